package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/agent-bus/internal/domain/model"
)

// SessionState is the lifecycle position of one live connection.
type SessionState int32

const (
	StateConnecting SessionState = iota + 1
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is one duplex client connection. The transport handler owns the
// socket reads; outbound frames go through the buffered mailbox so that
// any task (broadcast, router callback, heartbeat) can send without
// touching the socket, and a single writer loop preserves frame order.
type Session struct {
	id     string
	params model.ConnectParams

	// [MAILBOX]
	// Decouples producers from the socket writer. A slow consumer fills
	// this buffer instead of blocking the dispatcher; Send gives up after
	// the configured timeout and the session is marked for disconnect.
	sendCh chan []byte

	subsMu sync.RWMutex
	subs   map[string]struct{}

	state        atomic.Int32
	connectedAt  time.Time
	lastPingSent atomic.Int64 // unix nanos
	lastPongRecv atomic.Int64 // unix nanos; zero until the first pong

	// seen deduplicates both-mode deliveries by message id. Bounded so a
	// long-lived session cannot grow without limit.
	seen *lru.Cache[string, struct{}]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	droppedFrames atomic.Uint64
}

const dedupWindow = 1024

func newSession(ctx context.Context, params model.ConnectParams, bufferSize int) *Session {
	childCtx, cancel := context.WithCancel(ctx)
	seen, _ := lru.New[string, struct{}](dedupWindow)
	s := &Session{
		id:          uuid.NewString(),
		params:      params,
		sendCh:      make(chan []byte, bufferSize),
		subs:        make(map[string]struct{}),
		connectedAt: time.Now(),
		seen:        seen,
		ctx:         childCtx,
		cancel:      cancel,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string          { return s.id }
func (s *Session) UserID() string      { return s.params.UserID }
func (s *Session) WorkspaceID() string { return s.params.WorkspaceID }
func (s *Session) AgentID() string     { return s.params.AgentID }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// Send enqueues one outbound frame. It waits up to timeout for mailbox
// space, which smooths transient jitter, and reports false when the
// session is closed or persistently saturated.
func (s *Session) Send(payload []byte, timeout time.Duration) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.sendCh <- payload:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case s.sendCh <- payload:
		return true
	case <-timer.C:
		s.droppedFrames.Add(1)
		return false
	}
}

// Outbound is read by the transport writer loop together with Done. The
// mailbox channel is never closed; teardown is signalled through Done so
// that a concurrent Send can never hit a closed channel.
func (s *Session) Outbound() <-chan []byte { return s.sendCh }

// Done signals session teardown to the transport handler.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Close tears the session down exactly once. Frames still sitting in the
// mailbox are dropped.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.setState(StateDisconnected)
	})
}

// MarkSeen records a delivered message id and reports whether it was
// already delivered on the other path.
func (s *Session) MarkSeen(messageID string) (duplicate bool) {
	if messageID == "" {
		return false
	}
	found, _ := s.seen.ContainsOrAdd(messageID, struct{}{})
	return found
}

func (s *Session) addSubscriptions(topics []string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, t := range topics {
		s.subs[t] = struct{}{}
	}
}

// removeSubscriptions drops topics from the session's set; nil topics
// means all. It returns the topics actually removed.
func (s *Session) removeSubscriptions(topics []string) []string {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if topics == nil {
		topics = make([]string, 0, len(s.subs))
		for t := range s.subs {
			topics = append(topics, t)
		}
	}
	removed := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := s.subs[t]; ok {
			delete(s.subs, t)
			removed = append(removed, t)
		}
	}
	return removed
}

// Subscriptions snapshots the session's topic set.
func (s *Session) Subscriptions() []string {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	return out
}

// Pong records a heartbeat reply from the client.
func (s *Session) Pong() { s.lastPongRecv.Store(time.Now().UnixNano()) }

func (s *Session) touchPing() { s.lastPingSent.Store(time.Now().UnixNano()) }

// LastPong is zero until the client has ponged at least once; the
// heartbeat then falls back to the connect time as its baseline.
func (s *Session) LastPong() time.Time {
	n := s.lastPongRecv.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Info is the admin snapshot of this session.
func (s *Session) Info() *model.SessionInfo {
	return &model.SessionInfo{
		SessionID:     s.id,
		UserID:        s.params.UserID,
		WorkspaceID:   s.params.WorkspaceID,
		AgentID:       s.params.AgentID,
		State:         s.State().String(),
		Subscriptions: s.Subscriptions(),
		ConnectedAt:   s.connectedAt,
		LastPongAt:    s.LastPong(),
	}
}
