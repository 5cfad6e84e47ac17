package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the framed form every published payload takes on the wire
// between the bus and the broker. Payload keeps the original bytes so that
// encode/decode is the identity for any well-formed message.
type Envelope struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
	MessageID string          `json:"message_id"`
}

// NewEnvelope wraps payload for publication on topic. A non-empty messageID
// carries the router-assigned id through the ephemeral path.
func NewEnvelope(topic string, payload any, messageID string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return &Envelope{
		Topic:     topic,
		Payload:   raw,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		MessageID: messageID,
	}, nil
}

// Encode serializes the envelope for the broker.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses broker bytes back into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return &e, nil
}

// Message decodes the payload as a router message.
func (e *Envelope) Message() (*Message, error) {
	return MessageFromJSON(e.Payload)
}
