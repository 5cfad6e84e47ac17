// Package health runs active broker probes: not just "is the socket up"
// but whether each primitive the bus depends on (ping, key round-trip,
// pub-sub echo, queue push-pop) completes within its latency budget.
package health

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/agent-bus/infra/broker"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Check     string        `json:"check"`
	Status    Status        `json:"status"`
	LatencyMS float64       `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Report aggregates one full probe round.
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// History is the rolling latency record kept per check.
type History struct {
	Samples int           `json:"samples"`
	Avg     time.Duration `json:"avg"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
}

type Prober struct {
	logger   *slog.Logger
	client   *broker.Client
	warning  time.Duration
	critical time.Duration

	mu        sync.Mutex
	histories map[string][]time.Duration
	histSize  int
}

func NewProber(logger *slog.Logger, client *broker.Client, warning, critical time.Duration, historySize int) *Prober {
	if historySize <= 0 {
		historySize = 100
	}
	return &Prober{
		logger:    logger.With(slog.String("component", "health")),
		client:    client,
		warning:   warning,
		critical:  critical,
		histories: make(map[string][]time.Duration),
		histSize:  historySize,
	}
}

// Run executes every probe concurrently and folds the results into a
// single report. The overall status is the worst individual one.
func (p *Prober) Run(ctx context.Context) *Report {
	probes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"ping", p.probePing},
		{"keyspace", p.probeKeyspace},
		{"pubsub", p.probeEcho},
		{"queue", p.probeQueue},
	}

	results := make([]CheckResult, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, probe := range probes {
		i, probe := i, probe
		g.Go(func() error {
			start := time.Now()
			err := probe.fn(gctx)
			elapsed := time.Since(start)
			results[i] = p.grade(probe.name, elapsed, err)
			p.record(probe.name, elapsed)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Status: StatusHealthy, Checks: results, Timestamp: time.Now()}
	for _, r := range results {
		if worse(r.Status, report.Status) {
			report.Status = r.Status
		}
	}
	if report.Status != StatusHealthy {
		p.logger.Warn("broker health degraded", slog.String("status", string(report.Status)))
	}
	return report
}

func (p *Prober) grade(name string, elapsed time.Duration, err error) CheckResult {
	r := CheckResult{
		Check:     name,
		Status:    StatusHealthy,
		LatencyMS: float64(elapsed) / float64(time.Millisecond),
		Duration:  elapsed,
	}
	switch {
	case err != nil:
		r.Status = StatusUnhealthy
		r.Error = err.Error()
	case elapsed > p.critical:
		r.Status = StatusUnhealthy
	case elapsed > p.warning:
		r.Status = StatusDegraded
	}
	return r
}

func worse(a, b Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[a] > rank[b]
}

func (p *Prober) probePing(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Prober) probeKeyspace(ctx context.Context) error {
	key := "health:probe:" + uuid.NewString()
	want := []byte(uuid.NewString())
	if err := p.client.Set(ctx, key, want, time.Minute); err != nil {
		return err
	}
	defer func() { _ = p.client.Delete(context.WithoutCancel(ctx), key) }()
	got, err := p.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("keyspace round-trip mismatch: got %q", got)
	}
	return nil
}

func (p *Prober) probeEcho(ctx context.Context) error {
	channel := "health:echo:" + uuid.NewString()
	return p.client.Echo(ctx, channel, []byte("ping"), p.critical)
}

func (p *Prober) probeQueue(ctx context.Context) error {
	key := "health:queue:" + uuid.NewString()
	member := []byte(uuid.NewString())
	if err := p.client.QueuePush(ctx, key, member, 0); err != nil {
		return err
	}
	defer func() { _ = p.client.Delete(context.WithoutCancel(ctx), key) }()
	popped, err := p.client.QueuePopMin(ctx, key)
	if err != nil {
		return err
	}
	if popped == nil || !bytes.Equal(popped.Member, member) {
		return fmt.Errorf("queue round-trip mismatch")
	}
	return nil
}

func (p *Prober) record(name string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := append(p.histories[name], elapsed)
	if len(h) > p.histSize {
		h = h[len(h)-p.histSize:]
	}
	p.histories[name] = h
}

// Histories returns the per-check latency statistics accumulated so far.
func (p *Prober) Histories() map[string]History {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]History, len(p.histories))
	for name, samples := range p.histories {
		if len(samples) == 0 {
			continue
		}
		h := History{Samples: len(samples), Min: samples[0], Max: samples[0]}
		var total time.Duration
		for _, s := range samples {
			total += s
			if s < h.Min {
				h.Min = s
			}
			if s > h.Max {
				h.Max = s
			}
		}
		h.Avg = total / time.Duration(len(samples))
		out[name] = h
	}
	return out
}
