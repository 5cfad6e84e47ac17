// Package wsmarshaller encodes the server-to-client JSON frames of the
// session protocol. Every frame carries a mandatory "type" field.
package wsmarshaller

import (
	"encoding/json"
	"time"

	"github.com/webitel/agent-bus/internal/domain/model"
)

type connectedFrame struct {
	Type         model.FrameType `json:"type"`
	ConnectionID string          `json:"connection_id"`
	Timestamp    int64           `json:"timestamp"`
}

type subscribedFrame struct {
	Type   model.FrameType `json:"type"`
	Topics []string        `json:"topics"`
}

type unsubscribedFrame struct {
	Type   model.FrameType `json:"type"`
	Topics any             `json:"topics"` // list, or the string "all"
}

type sentFrame struct {
	Type      model.FrameType `json:"type"`
	MessageID string          `json:"message_id"`
}

type broadcastFrame struct {
	Type           model.FrameType `json:"type"`
	WorkspaceID    string          `json:"workspace_id"`
	RecipientCount int64           `json:"recipient_count"`
}

type pingFrame struct {
	Type      model.FrameType `json:"type"`
	Timestamp int64           `json:"timestamp"`
}

type messageFrame struct {
	Type   model.FrameType `json:"type"`
	Data   *model.Message  `json:"data"`
	Queued bool            `json:"queued,omitempty"`
}

type errorFrame struct {
	Type    model.FrameType `json:"type"`
	Message string          `json:"message"`
}

// mustMarshal: every frame type above serializes without error; a failure
// here is a programming bug, not a runtime condition.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("wsmarshaller: " + err.Error())
	}
	return data
}

// Connected is the server handshake acknowledgement.
func Connected(sessionID string, now time.Time) []byte {
	return mustMarshal(&connectedFrame{
		Type:         model.FrameConnected,
		ConnectionID: sessionID,
		Timestamp:    now.Unix(),
	})
}

// Subscribed acknowledges a subscribe frame.
func Subscribed(topics []string) []byte {
	return mustMarshal(&subscribedFrame{Type: model.FrameSubscribed, Topics: topics})
}

// Unsubscribed acknowledges an unsubscribe frame. A nil topics slice means
// the session dropped everything.
func Unsubscribed(topics []string) []byte {
	f := &unsubscribedFrame{Type: model.FrameUnsubscribed, Topics: "all"}
	if topics != nil {
		f.Topics = topics
	}
	return mustMarshal(f)
}

// Sent acknowledges a direct send with the assigned message id.
func Sent(messageID string) []byte {
	return mustMarshal(&sentFrame{Type: model.FrameSent, MessageID: messageID})
}

// BroadcastAck reports the fan-out recipient count back to the sender.
func BroadcastAck(workspaceID string, recipients int64) []byte {
	return mustMarshal(&broadcastFrame{
		Type:           model.FrameBroadcast,
		WorkspaceID:    workspaceID,
		RecipientCount: recipients,
	})
}

// Ping is the server heartbeat frame.
func Ping(now time.Time) []byte {
	return mustMarshal(&pingFrame{Type: model.FramePing, Timestamp: now.Unix()})
}

// Message wraps a delivered message; queued marks a drain from the durable
// inbox rather than a live fan-out.
func Message(msg *model.Message, queued bool) []byte {
	return mustMarshal(&messageFrame{Type: model.FrameMessage, Data: msg, Queued: queued})
}

// Error reports a non-fatal protocol or authorization failure.
func Error(message string) []byte {
	return mustMarshal(&errorFrame{Type: model.FrameError, Message: message})
}
