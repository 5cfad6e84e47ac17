package model

import "time"

// BusStats is the admin-surface snapshot of the connection registry.
type BusStats struct {
	TotalSessions   int            `json:"total_sessions"`
	TotalUsers      int            `json:"total_users"`
	TotalWorkspaces int            `json:"total_workspaces"`
	TotalAgents     int            `json:"total_agents"`
	TotalTopics     int            `json:"total_topics"`
	Uptime          time.Duration  `json:"uptime"`
	SessionsByState map[string]int `json:"sessions_by_state,omitempty"`
}

// QueueStats reports the three storage surfaces of one durable queue.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
	Total      int64 `json:"total"`
}

// SessionInfo is the read-only admin view of one live session.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id,omitempty"`
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	State         string    `json:"state"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastPongAt    time.Time `json:"last_pong_at,omitzero"`
}
