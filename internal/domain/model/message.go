package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeliveryMode selects how a message travels to its recipient.
type DeliveryMode string

const (
	// ModePubSub delivers through the ephemeral fan-out path only.
	ModePubSub DeliveryMode = "pubsub"
	// ModeQueue delivers through the durable per-recipient queue only.
	ModeQueue DeliveryMode = "queue"
	// ModeBoth ships the message on both paths; receivers deduplicate
	// by message id.
	ModeBoth DeliveryMode = "both"
)

// Valid reports whether m is one of the three known delivery modes.
func (m DeliveryMode) Valid() bool {
	switch m {
	case ModePubSub, ModeQueue, ModeBoth:
		return true
	}
	return false
}

// Queued reports whether the mode includes the durable path.
func (m DeliveryMode) Queued() bool { return m == ModeQueue || m == ModeBoth }

// Published reports whether the mode includes the ephemeral path.
func (m DeliveryMode) Published() bool { return m == ModePubSub || m == ModeBoth }

// MessageKind classifies the intent of a message. The bus never interprets
// it; it is carried for the benefit of the receiving agent.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindResponse     MessageKind = "response"
	KindNotification MessageKind = "notification"
	KindCommand      MessageKind = "command"
)

// MetaExcludeAgent is the metadata key carrying a broadcast's delivery-time
// exclusion; the session handler skips sessions of that agent.
const MetaExcludeAgent = "exclude_agent"

// Message is the router-level view of a single exchange between agents.
// Content and Metadata are opaque to the bus and copied through unparsed.
type Message struct {
	ID          string         `json:"message_id"`
	FromAgent   string         `json:"from_agent"`
	ToAgent     string         `json:"to_agent,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Content     map[string]any `json:"content"`
	Kind        MessageKind    `json:"kind"`
	Mode        DeliveryMode   `json:"mode"`
	Priority    int            `json:"priority"`
	Timestamp   float64        `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewMessage stamps a fresh message at router entry. The id is generated
// once here and stays stable across queue enqueue, pub-sub publish and
// any redelivery.
func NewMessage(from, to string, content map[string]any, kind MessageKind, mode DeliveryMode, priority int) *Message {
	return &Message{
		ID:        uuid.NewString(),
		FromAgent: from,
		ToAgent:   to,
		Content:   content,
		Kind:      kind,
		Mode:      mode,
		Priority:  priority,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// MessageFromJSON decodes a message previously produced by json.Marshal.
func MessageFromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
