/*
Package registry owns every live client session and the derived lookup
indices the dispatch path relies on.

The sessions map is authoritative; by_user, by_workspace, by_agent and
by_topic are secondary indices maintained atomically with it under one
mutex. An agent holds at most one live session: a re-connect for the same
agent id deterministically evicts the previous session before the new one
becomes connected.
*/
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/agent-bus/internal/domain/model"
)

type Manager struct {
	logger *slog.Logger
	config managerConfig

	mu          sync.RWMutex
	sessions    map[string]*Session            // session id -> session (authoritative)
	byUser      map[string]map[string]struct{} // user id -> session ids
	byWorkspace map[string]map[string]struct{} // workspace id -> session ids
	byAgent     map[string]string              // agent id -> single session id
	byTopic     map[string]map[string]struct{} // topic -> session ids

	startedAt time.Time
}

func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger.With(slog.String("component", "registry")),
		config:      defaultConfig(),
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]map[string]struct{}),
		byWorkspace: make(map[string]map[string]struct{}),
		byAgent:     make(map[string]string),
		byTopic:     make(map[string]map[string]struct{}),
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewSession allocates a session in the connecting state. It is not
// reachable through the indices until Register.
func (m *Manager) NewSession(ctx context.Context, params model.ConnectParams) *Session {
	return newSession(ctx, params, m.config.sendBuffer)
}

// SendTimeout is the per-send patience the dispatch path should use.
func (m *Manager) SendTimeout() time.Duration { return m.config.sendTimeout }

// Register inserts s into the primary map and every index under a single
// critical section. When s carries an agent id that already has a live
// session, that session is detached and returned; the caller must close
// its socket before emitting the connected frame for s.
func (m *Manager) Register(s *Session) (evicted *Session) {
	m.mu.Lock()
	if agentID := s.AgentID(); agentID != "" {
		if oldID, ok := m.byAgent[agentID]; ok {
			evicted = m.sessions[oldID]
			m.removeLocked(oldID)
		}
	}

	m.sessions[s.ID()] = s
	if uid := s.UserID(); uid != "" {
		addToIndex(m.byUser, uid, s.ID())
	}
	if wid := s.WorkspaceID(); wid != "" {
		addToIndex(m.byWorkspace, wid, s.ID())
	}
	if aid := s.AgentID(); aid != "" {
		m.byAgent[aid] = s.ID()
	}
	m.mu.Unlock()

	if evicted != nil {
		evicted.setState(StateDisconnecting)
		m.logger.Info("evicting replaced agent session",
			slog.String("agent_id", s.AgentID()),
			slog.String("old_session_id", evicted.ID()),
			slog.String("new_session_id", s.ID()))
	}
	return evicted
}

// MarkConnected flips s to connected. Called by the transport handler
// after the server-generated connected frame went out.
func (m *Manager) MarkConnected(s *Session) { s.setState(StateConnected) }

// Unregister removes the session from the primary map and every index,
// then closes it. Safe to call more than once and safe against a
// concurrent heartbeat eviction of the same session.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		m.removeLocked(sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.setState(StateDisconnecting)
	s.Close()
	s.setState(StateDisconnected)
	m.logger.Debug("session unregistered", slog.String("session_id", sessionID))
}

// removeLocked drops every index entry for sessionID. Callers hold m.mu.
func (m *Manager) removeLocked(sessionID string) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if uid := s.UserID(); uid != "" {
		dropFromIndex(m.byUser, uid, sessionID)
	}
	if wid := s.WorkspaceID(); wid != "" {
		dropFromIndex(m.byWorkspace, wid, sessionID)
	}
	if aid := s.AgentID(); aid != "" && m.byAgent[aid] == sessionID {
		delete(m.byAgent, aid)
	}
	for _, topic := range s.Subscriptions() {
		dropFromIndex(m.byTopic, topic, sessionID)
	}
}

// Subscribe records topics for the session and indexes it for dispatch.
func (m *Manager) Subscribe(sessionID string, topics []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.addSubscriptions(topics)
	for _, t := range topics {
		addToIndex(m.byTopic, t, sessionID)
	}
}

// Unsubscribe drops topics for the session; nil means all of them.
// Returns the topics actually removed.
func (m *Manager) Unsubscribe(sessionID string, topics []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	removed := s.removeSubscriptions(topics)
	for _, t := range removed {
		dropFromIndex(m.byTopic, t, sessionID)
	}
	return removed
}

// Session returns the session with the given id, if live.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// SessionByAgent returns the single live session of an agent.
func (m *Manager) SessionByAgent(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAgent[agentID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// SessionsByUser snapshots the sessions of one user.
func (m *Manager) SessionsByUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byUser[userID])
}

// SessionsByWorkspace snapshots the sessions attached to a workspace.
func (m *Manager) SessionsByWorkspace(workspaceID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byWorkspace[workspaceID])
}

// SessionsByTopic snapshots the sessions subscribed to a topic.
func (m *Manager) SessionsByTopic(topic string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byTopic[topic])
}

// Sessions snapshots every live session.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) collectLocked(ids map[string]struct{}) []*Session {
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Stats aggregates counts for the admin surface.
func (m *Manager) Stats() *model.BusStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byState := make(map[string]int)
	for _, s := range m.sessions {
		byState[s.State().String()]++
	}
	return &model.BusStats{
		TotalSessions:   len(m.sessions),
		TotalUsers:      len(m.byUser),
		TotalWorkspaces: len(m.byWorkspace),
		TotalAgents:     len(m.byAgent),
		TotalTopics:     len(m.byTopic),
		Uptime:          time.Since(m.startedAt),
		SessionsByState: byState,
	}
}

// Shutdown disconnects every session. Used by the supervisor on stop.
func (m *Manager) Shutdown() {
	for _, s := range m.Sessions() {
		m.Unregister(s.ID())
	}
}

func addToIndex(idx map[string]map[string]struct{}, key, sessionID string) {
	set := idx[key]
	if set == nil {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[sessionID] = struct{}{}
}

func dropFromIndex(idx map[string]map[string]struct{}, key, sessionID string) {
	if set, ok := idx[key]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
