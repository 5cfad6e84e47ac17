package model

// FrameType discriminates the JSON objects exchanged on a session socket.
// Every frame, in either direction, carries a mandatory "type" field.
type FrameType string

const (
	// Client to server.
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameSend        FrameType = "send"
	FrameBroadcast   FrameType = "broadcast"
	FramePong        FrameType = "pong"

	// Server to client. The broadcast acknowledgement reuses the
	// "broadcast" type; direction disambiguates it.
	FrameConnected    FrameType = "connected"
	FrameSubscribed   FrameType = "subscribed"
	FrameUnsubscribed FrameType = "unsubscribed"
	FrameSent         FrameType = "sent"
	FramePing         FrameType = "ping"
	FrameMessage      FrameType = "message"
	FrameError        FrameType = "error"
)

// InboundFrame is the superset decoding target for every client frame; the
// session handler dispatches on Type and reads only the fields that frame
// defines.
type InboundFrame struct {
	Type         FrameType      `json:"type"`
	Topics       []string       `json:"topics,omitempty"`
	ToAgent      string         `json:"to_agent,omitempty"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	Content      map[string]any `json:"content,omitempty"`
	MessageType  string         `json:"message_type,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	ExcludeAgent string         `json:"exclude_agent,omitempty"`
}

// ConnectParams is the identity triple negotiated on the handshake request.
// All three are optional; a session without an agent id can subscribe and
// receive but not send.
type ConnectParams struct {
	UserID      string
	WorkspaceID string
	AgentID     string
}
