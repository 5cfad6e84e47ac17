// Package http assembles the single listener every surface of the bus
// hangs off: the websocket endpoint, the admin API, health and metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/webitel/agent-bus/infra/broker"
	"github.com/webitel/agent-bus/infra/metrics"
	"github.com/webitel/agent-bus/internal/handler/httpapi"
	"github.com/webitel/agent-bus/internal/handler/ws"
	"github.com/webitel/agent-bus/internal/service/health"
)

type Server struct {
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(
	logger *slog.Logger,
	listen string,
	wsHandler *ws.Handler,
	api *httpapi.Handler,
	prober *health.Prober,
	client *broker.Client,
	m *metrics.Metrics,
) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", wsHandler)
	r.Mount("/api", api.Routes())
	r.Handle("/metrics", m.Handler())

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		report := prober.Run(ctx)
		status := http.StatusOK
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
			m.BrokerUnhealthy.Inc()
		}
		writeJSON(w, status, report)
	})
	// Liveness only: cheap enough for aggressive orchestrator probing.
	r.Get("/health/live", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		if !client.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	})

	return &Server{
		logger: logger.With(slog.String("component", "http")),
		srv: &http.Server{
			Addr:              listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", slog.Any("err", err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
