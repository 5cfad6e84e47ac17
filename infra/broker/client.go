// Package broker is a thin typed façade over the Redis instance that backs
// both the ephemeral pub-sub path and the durable queue path of the bus.
//
// Every command runs with a bounded per-call timeout and retries with linear
// backoff on transient connection loss; logical errors (bad arguments, empty
// pops) fail immediately. A circuit breaker guards the command path so a
// dead broker fails fast instead of piling up blocked callers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrNoFrame is returned by NextFrame when no frame arrived within the
// given timeout. It is the normal idle result of the pull stream.
var ErrNoFrame = errors.New("broker: no frame")

// ErrUnavailable is returned once retries are exhausted or the breaker is
// open. The client reports unhealthy until a probe succeeds again.
var ErrUnavailable = errors.New("broker: unavailable")

// FrameType mirrors the two subscription delivery kinds of the broker.
type FrameType string

const (
	FrameMessage  FrameType = "message"
	FramePMessage FrameType = "pmessage"
)

// Frame is one inbound unit from the subscription pull stream.
type Frame struct {
	Type    FrameType
	Channel string
	Pattern string
	Payload []byte
}

// Config carries the connection settings of the broker client.
type Config struct {
	URL                 string
	PoolSize            int
	Timeout             time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
	HealthCheckInterval time.Duration
}

// Client owns the connection pool and the single server-side subscription
// used by the pub-sub manager. All methods are safe for concurrent use.
type Client struct {
	rdb     *redis.Client
	logger  *slog.Logger
	cfg     Config
	breaker *gobreaker.CircuitBreaker

	subMu sync.Mutex
	sub   *redis.PubSub

	healthy atomic.Bool
}

// NewClient parses the broker URL and builds the client. No network traffic
// happens until Connect.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.Timeout > 0 {
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
		opts.DialTimeout = cfg.Timeout
	}
	// The façade owns retries; disable the driver's.
	opts.MaxRetries = -1

	c := &Client{
		rdb:    redis.NewClient(opts),
		logger: logger.With(slog.String("component", "broker")),
		cfg:    cfg,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker",
		Timeout: cfg.HealthCheckInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return c, nil
}

// Connect verifies the broker is reachable and opens the subscription
// stream. The supervisor aborts startup when this fails.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("broker: initial ping: %w", err)
	}
	c.healthy.Store(true)
	c.logger.Info("connected", slog.String("url", c.cfg.URL), slog.Int("pool_size", c.cfg.PoolSize))
	return nil
}

// Close tears down the subscription stream and the pool.
func (c *Client) Close() error {
	c.subMu.Lock()
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
	c.subMu.Unlock()
	return c.rdb.Close()
}

// Healthy reports the last known broker state. It turns false after a
// command exhausts its retries and true again once a probe succeeds.
func (c *Client) Healthy() bool {
	return c.healthy.Load() && c.breaker.State() != gobreaker.StateOpen
}

// StartHealthLoop probes the broker every health-check interval until ctx
// is cancelled.
func (c *Client) StartHealthLoop(ctx context.Context) {
	interval := c.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				c.logger.Warn("health probe failed", slog.Any("err", err))
			}
		}
	}
}

// do runs one command through the breaker with the retry policy: up to
// MaxRetries attempts, linear backoff, retrying only transient errors.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := c.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	backoff := c.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err = c.breaker.Execute(func() (any, error) {
			callCtx := ctx
			if c.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
				defer cancel()
			}
			return nil, fn(callCtx)
		})
		if err == nil {
			c.healthy.Store(true)
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.healthy.Store(false)
			return fmt.Errorf("%s: %w", op, ErrUnavailable)
		}
		if !isTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt < attempts {
			c.logger.Debug("transient broker error, retrying",
				slog.String("op", op), slog.Int("attempt", attempt), slog.Any("err", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * backoff):
			}
		}
	}
	c.healthy.Store(false)
	return fmt.Errorf("%s after %d attempts: %w: %v", op, attempts, ErrUnavailable, err)
}

// isTransient separates connection-level failures, which are worth a
// retry, from logical command errors, which are not.
func isTransient(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "client is closed")
}

// Ping is the liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Publish fires payload at all current subscribers of channel and returns
// the best-effort delivered count reported by the broker.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	var n int64
	err := c.do(ctx, "publish", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.Publish(ctx, channel, payload).Result()
		return err
	})
	return n, err
}

// Set writes a plain key with TTL; used by the health prober round-trip.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.do(ctx, "set", func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Get reads a plain key. Missing keys return (nil, nil).
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := c.do(ctx, "get", func(ctx context.Context) error {
		res, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		val = res
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.do(ctx, "delete", func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// Expire bounds the lifetime of key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.do(ctx, "expire", func(ctx context.Context) error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}
