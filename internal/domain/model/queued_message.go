package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxAttempts bounds redelivery of a queued message before it is
// moved to the dead-letter list.
const DefaultMaxAttempts = 3

// QueuedMessage wraps an opaque payload for the durable queue path. The
// same serialized form lives in the priority queue and, while in flight,
// in the processing hash.
type QueuedMessage struct {
	QueueName   string          `json:"queue_name"`
	Payload     json.RawMessage `json:"payload"`
	MessageID   string          `json:"message_id"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   float64         `json:"created_at"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// NewQueuedMessage builds the durable wrapper around payload. messageID may
// be empty only for callers that do not need cross-path identity; the queue
// manager always assigns one before write.
func NewQueuedMessage(queueName, messageID string, payload any, priority int, metadata map[string]any) (*QueuedMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queued message: marshal payload: %w", err)
	}
	return &QueuedMessage{
		QueueName:   queueName,
		Payload:     raw,
		MessageID:   messageID,
		Priority:    priority,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   float64(time.Now().UnixNano()) / float64(time.Second),
		Metadata:    metadata,
	}, nil
}

// Encode serializes the wrapper for the broker.
func (q *QueuedMessage) Encode() ([]byte, error) {
	return json.Marshal(q)
}

// DecodeQueuedMessage parses broker bytes back into the wrapper.
func DecodeQueuedMessage(data []byte) (*QueuedMessage, error) {
	var q QueuedMessage
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("queued message: decode: %w", err)
	}
	return &q, nil
}

// Message decodes the payload as a router message.
func (q *QueuedMessage) Message() (*Message, error) {
	return MessageFromJSON(q.Payload)
}

// Score is the sorted-set score for the pending structure. Priority is
// negated so that pop-min yields the most urgent message first.
func (q *QueuedMessage) Score() float64 {
	return -float64(q.Priority)
}
