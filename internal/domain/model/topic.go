package model

import (
	"fmt"
	"strings"
)

// Reserved topic namespaces. Everything an agent subscribes to lives under
// agent:, workspace broadcast lives under workspace:. Topics are
// case-sensitive opaque strings otherwise.
const (
	agentPrefix     = "agent:"
	workspacePrefix = "workspace:"
	inboxSuffix     = ":inbox"

	// MaxTopicLen bounds topic names accepted from clients.
	MaxTopicLen = 256
)

// AgentTopic maps a client-supplied topic name into the agent namespace.
func AgentTopic(topic string) string {
	return agentPrefix + topic
}

// AgentInbox is the durable queue name and pub-sub channel for direct
// messages to one agent.
func AgentInbox(agentID string) string {
	return agentPrefix + agentID + inboxSuffix
}

// WorkspaceTopic is the broadcast channel of a workspace.
func WorkspaceTopic(workspaceID string) string {
	return workspacePrefix + workspaceID
}

// InboxAgent extracts the agent id from an inbox channel name, if topic is
// one.
func InboxAgent(topic string) (string, bool) {
	if !strings.HasPrefix(topic, agentPrefix) || !strings.HasSuffix(topic, inboxSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, agentPrefix), inboxSuffix)
	if id == "" {
		return "", false
	}
	return id, true
}

// WorkspaceOf extracts the workspace id from a broadcast channel name.
func WorkspaceOf(topic string) (string, bool) {
	if !strings.HasPrefix(topic, workspacePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, workspacePrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// ValidateTopic rejects empty and oversized topic names.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if len(topic) > MaxTopicLen {
		return fmt.Errorf("topic exceeds %d bytes", MaxTopicLen)
	}
	return nil
}
