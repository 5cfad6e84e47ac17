package registry

import (
	"context"
	"log/slog"
	"time"
)

// StartHeartbeat pings every session each ping interval and evicts the
// ones whose last pong is older than the ping timeout. A session that has
// never ponged is measured from its connect time, so a client that goes
// silent right after the handshake is still reaped once the timeout
// elapses.
func (m *Manager) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	for _, s := range m.Sessions() {
		last := s.LastPong()
		if last.IsZero() {
			last = s.connectedAt
		}
		if now.Sub(last) > m.config.pingTimeout {
			m.logger.Info("heartbeat timeout, evicting session",
				slog.String("session_id", s.ID()),
				slog.String("agent_id", s.AgentID()),
				slog.Duration("since_pong", now.Sub(last)))
			m.Unregister(s.ID())
			continue
		}
		if m.config.pingFrame != nil {
			// The socket is already dead when Send fails here; the next
			// sweep or the reader loop finishes the disconnect.
			s.Send(m.config.pingFrame(now), m.config.sendTimeout)
			s.touchPing()
		}
	}
}

// BroadcastToTopic sends payload to every session subscribed to topic and
// returns the delivered count. Send failures mark the session for
// disconnect but do not abort the broadcast.
func (m *Manager) BroadcastToTopic(topic string, payload []byte) int {
	return m.fanOut(m.SessionsByTopic(topic), payload)
}

// BroadcastToWorkspace sends payload to every session of a workspace.
func (m *Manager) BroadcastToWorkspace(workspaceID string, payload []byte) int {
	return m.fanOut(m.SessionsByWorkspace(workspaceID), payload)
}

// BroadcastToAll sends payload to every live session.
func (m *Manager) BroadcastToAll(payload []byte) int {
	return m.fanOut(m.Sessions(), payload)
}

func (m *Manager) fanOut(sessions []*Session, payload []byte) int {
	sent := 0
	for _, s := range sessions {
		if s.Send(payload, m.config.sendTimeout) {
			sent++
			continue
		}
		m.logger.Warn("send failed during broadcast, disconnecting session",
			slog.String("session_id", s.ID()))
		m.Unregister(s.ID())
	}
	return sent
}
