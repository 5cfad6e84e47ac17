package registry

import "time"

type managerConfig struct {
	pingInterval time.Duration
	pingTimeout  time.Duration
	sendBuffer   int
	sendTimeout  time.Duration
	pingFrame    func(now time.Time) []byte
}

func defaultConfig() managerConfig {
	return managerConfig{
		pingInterval: 30 * time.Second,
		pingTimeout:  60 * time.Second,
		sendBuffer:   256,
		sendTimeout:  5 * time.Second,
	}
}

// Option configures the Manager.
type Option func(*Manager)

// WithPingInterval sets how often the heartbeat sweep runs.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.config.pingInterval = d
		}
	}
}

// WithPingTimeout sets the maximum silence after the last pong, or after
// connect for a session that never ponged, before it is evicted.
func WithPingTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.config.pingTimeout = d
		}
	}
}

// WithSendBuffer sets the per-session outbound mailbox capacity.
func WithSendBuffer(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.config.sendBuffer = size
		}
	}
}

// WithSendTimeout bounds how long a send waits on a saturated mailbox.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.config.sendTimeout = d
		}
	}
}

// WithPingFrame supplies the encoder for heartbeat ping frames, keeping
// the registry free of wire-format knowledge.
func WithPingFrame(f func(now time.Time) []byte) Option {
	return func(m *Manager) { m.config.pingFrame = f }
}
