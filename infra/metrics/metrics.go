// Package metrics exposes the bus counters on the Prometheus registry
// served under /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	FramesIn        *prometheus.CounterVec
	FramesOut       *prometheus.CounterVec
	MessagesRouted  *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	BrokerUnhealthy prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_bus",
			Name:      "active_sessions",
			Help:      "Currently connected sessions.",
		}),
		FramesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_bus",
			Name:      "frames_in_total",
			Help:      "Client frames received, by type.",
		}, []string{"type"}),
		FramesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_bus",
			Name:      "frames_out_total",
			Help:      "Server frames sent, by type.",
		}, []string{"type"}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_bus",
			Name:      "messages_routed_total",
			Help:      "Messages accepted by the router, by operation.",
		}, []string{"op"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent_bus",
			Name:      "queue_depth",
			Help:      "Last observed durable queue sizes, by surface.",
		}, []string{"surface"}),
		BrokerUnhealthy: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_bus",
			Name:      "broker_unhealthy_total",
			Help:      "Times the broker client reported unhealthy.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
