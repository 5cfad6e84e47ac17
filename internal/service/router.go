package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/agent-bus/internal/adapter/pubsub"
	"github.com/webitel/agent-bus/internal/adapter/queue"
	"github.com/webitel/agent-bus/internal/domain/model"
)

// Router is the user-visible messaging API consumed by the transport
// handlers. It composes the ephemeral and durable delivery paths per the
// message's mode and is stateless beyond the pub-sub subscription mirror.
type Router interface {
	// Attach joins the standing channels of a connecting session: the
	// agent inbox for direct messages and the workspace broadcast channel.
	Attach(ctx context.Context, subscriberID, agentID, workspaceID string) error
	// Detach drops every channel held by the subscriber.
	Detach(ctx context.Context, subscriberID string) error

	Subscribe(ctx context.Context, subscriberID string, topics []string) ([]string, error)
	Unsubscribe(ctx context.Context, subscriberID string, topics []string) ([]string, error)
	Subscriptions(subscriberID string) []string

	Publish(ctx context.Context, topic string, msg *model.Message) (int64, error)
	SendDirect(ctx context.Context, from, to string, content map[string]any, kind model.MessageKind, mode model.DeliveryMode, priority int) (*model.Message, error)
	Broadcast(ctx context.Context, from, workspaceID string, content map[string]any, kind model.MessageKind, excludeAgent string) (int64, error)

	GetPending(ctx context.Context, agentID string, limit int64) ([]*model.Message, error)
	DrainInbox(ctx context.Context, agentID string, deliver func(*model.Message) bool) (int, error)
	Acknowledge(ctx context.Context, agentID, messageID string) (bool, error)
	Reject(ctx context.Context, agentID, messageID string, requeue bool) error
	CleanupStaleMessages(ctx context.Context, agentID string, maxAge time.Duration) (int, error)
	QueueStats(ctx context.Context, agentID string) (*model.QueueStats, error)

	OnMessage(h pubsub.Handler) (remove func())
}

// Interface guard
var _ Router = (*MessageRouter)(nil)

type MessageRouter struct {
	pubsub *pubsub.Manager
	queue  *queue.Manager
	logger *slog.Logger

	// mirror tracks the client-level topic names per subscriber, separate
	// from the standing inbox/workspace channels joined by Attach.
	mu     sync.Mutex
	mirror map[string]map[string]struct{}
}

func NewMessageRouter(ps *pubsub.Manager, q *queue.Manager, logger *slog.Logger) *MessageRouter {
	return &MessageRouter{
		pubsub: ps,
		queue:  q,
		logger: logger.With(slog.String("component", "router")),
		mirror: make(map[string]map[string]struct{}),
	}
}

func (r *MessageRouter) Attach(ctx context.Context, subscriberID, agentID, workspaceID string) error {
	var channels []string
	if agentID != "" {
		channels = append(channels, model.AgentInbox(agentID))
	}
	if workspaceID != "" {
		channels = append(channels, model.WorkspaceTopic(workspaceID))
	}
	if len(channels) == 0 {
		return nil
	}
	return r.pubsub.Subscribe(ctx, subscriberID, channels...)
}

func (r *MessageRouter) Detach(ctx context.Context, subscriberID string) error {
	r.mu.Lock()
	delete(r.mirror, subscriberID)
	r.mu.Unlock()
	return r.pubsub.Unsubscribe(ctx, subscriberID)
}

// Subscribe maps client topics into the agent namespace and joins them.
// Returns the full channel names for the connection registry's topic index.
func (r *MessageRouter) Subscribe(ctx context.Context, subscriberID string, topics []string) ([]string, error) {
	full := make([]string, 0, len(topics))
	for _, t := range topics {
		if err := model.ValidateTopic(t); err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
		full = append(full, model.AgentTopic(t))
	}
	if err := r.pubsub.Subscribe(ctx, subscriberID, full...); err != nil {
		return nil, err
	}
	r.mu.Lock()
	set := r.mirror[subscriberID]
	if set == nil {
		set = make(map[string]struct{})
		r.mirror[subscriberID] = set
	}
	for _, t := range topics {
		set[t] = struct{}{}
	}
	r.mu.Unlock()
	return full, nil
}

// Unsubscribe drops client topics for the subscriber; nil topics drops
// every mirrored topic while leaving the standing Attach channels intact.
// Unsubscribing without a prior subscribe returns without error.
func (r *MessageRouter) Unsubscribe(ctx context.Context, subscriberID string, topics []string) ([]string, error) {
	r.mu.Lock()
	set := r.mirror[subscriberID]
	if topics == nil {
		topics = make([]string, 0, len(set))
		for t := range set {
			topics = append(topics, t)
		}
	}
	full := make([]string, 0, len(topics))
	for _, t := range topics {
		delete(set, t)
		full = append(full, model.AgentTopic(t))
	}
	if len(set) == 0 {
		delete(r.mirror, subscriberID)
	}
	r.mu.Unlock()

	if len(full) == 0 {
		return nil, nil
	}
	return full, r.pubsub.Unsubscribe(ctx, subscriberID, full...)
}

func (r *MessageRouter) Subscriptions(subscriberID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.mirror[subscriberID]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// Publish fans msg out on the agent-namespaced topic. A queue-only mode
// does not publish; it just reports the current local subscriber count,
// since non-inbox topics have no durable path.
func (r *MessageRouter) Publish(ctx context.Context, topic string, msg *model.Message) (int64, error) {
	full := model.AgentTopic(topic)
	if !msg.Mode.Published() {
		return int64(r.pubsub.SubscriberCount(full)), nil
	}
	return r.pubsub.Publish(ctx, full, msg, msg.ID)
}

// SendDirect routes a message to one agent's inbox. The durable copy and
// the ephemeral copy carry the same message id; receivers observing both
// paths deduplicate on it.
func (r *MessageRouter) SendDirect(ctx context.Context, from, to string, content map[string]any, kind model.MessageKind, mode model.DeliveryMode, priority int) (*model.Message, error) {
	if to == "" {
		return nil, fmt.Errorf("router: send requires a target agent")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("router: unknown delivery mode %q", mode)
	}
	msg := model.NewMessage(from, to, content, kind, mode, priority)
	inbox := model.AgentInbox(to)

	if mode.Queued() {
		if _, err := r.queue.Enqueue(ctx, inbox, msg,
			queue.WithMessageID(msg.ID),
			queue.WithPriority(priority),
			queue.WithMetadata(msg.Metadata),
		); err != nil {
			return nil, fmt.Errorf("router: durable send to %s: %w", to, err)
		}
	}
	if mode.Published() {
		if _, err := r.pubsub.Publish(ctx, inbox, msg, msg.ID); err != nil {
			// The durable copy, if any, already landed; the recipient will
			// still get the message on its next drain.
			if !mode.Queued() {
				return nil, fmt.Errorf("router: ephemeral send to %s: %w", to, err)
			}
			r.logger.Warn("ephemeral copy failed, durable copy delivered",
				slog.String("to_agent", to), slog.String("message_id", msg.ID), slog.Any("err", err))
		}
	}
	r.logger.Debug("direct send routed",
		slog.String("from_agent", from),
		slog.String("to_agent", to),
		slog.String("message_id", msg.ID),
		slog.String("mode", string(mode)))
	return msg, nil
}

// Broadcast publishes to the workspace channel; always ephemeral. The
// exclusion filter is applied at delivery time by the session handler,
// the broker itself is not aware of senders.
func (r *MessageRouter) Broadcast(ctx context.Context, from, workspaceID string, content map[string]any, kind model.MessageKind, excludeAgent string) (int64, error) {
	if workspaceID == "" {
		return 0, fmt.Errorf("router: broadcast requires a workspace")
	}
	msg := model.NewMessage(from, "", content, kind, model.ModePubSub, 0)
	msg.WorkspaceID = workspaceID
	if excludeAgent != "" {
		msg.Metadata = map[string]any{model.MetaExcludeAgent: excludeAgent}
	}
	return r.pubsub.Publish(ctx, model.WorkspaceTopic(workspaceID), msg, msg.ID)
}

// GetPending peeks the agent's inbox without consuming it.
func (r *MessageRouter) GetPending(ctx context.Context, agentID string, limit int64) ([]*model.Message, error) {
	queued, err := r.queue.Pending(ctx, model.AgentInbox(agentID), limit)
	if err != nil {
		return nil, err
	}
	return decodeMessages(queued), nil
}

// DrainInbox consumes the agent's inbox one message at a time: dequeue,
// hand to deliver, acknowledge on success, requeue on failure. Used on
// session connect so a reconnecting agent receives everything that
// arrived while it was offline.
func (r *MessageRouter) DrainInbox(ctx context.Context, agentID string, deliver func(*model.Message) bool) (int, error) {
	inbox := model.AgentInbox(agentID)
	delivered := 0
	for {
		qm, err := r.queue.Dequeue(ctx, inbox)
		if err != nil {
			return delivered, err
		}
		if qm == nil {
			return delivered, nil
		}
		msg, err := qm.Message()
		if err != nil {
			// Payload is not a router message; poison it rather than loop.
			r.logger.Warn("undecodable inbox payload, rejecting",
				slog.String("agent_id", agentID), slog.String("message_id", qm.MessageID))
			_ = r.queue.Reject(ctx, inbox, qm.MessageID, false)
			continue
		}
		if !deliver(msg) {
			// The session went away mid-drain; put the message back for
			// the next connect.
			_ = r.queue.Reject(ctx, inbox, qm.MessageID, true)
			return delivered, nil
		}
		if _, err := r.queue.Acknowledge(ctx, inbox, qm.MessageID); err != nil {
			return delivered, err
		}
		delivered++
	}
}

func (r *MessageRouter) Acknowledge(ctx context.Context, agentID, messageID string) (bool, error) {
	return r.queue.Acknowledge(ctx, model.AgentInbox(agentID), messageID)
}

func (r *MessageRouter) Reject(ctx context.Context, agentID, messageID string, requeue bool) error {
	return r.queue.Reject(ctx, model.AgentInbox(agentID), messageID, requeue)
}

func (r *MessageRouter) CleanupStaleMessages(ctx context.Context, agentID string, maxAge time.Duration) (int, error) {
	return r.queue.CleanupStale(ctx, model.AgentInbox(agentID), maxAge)
}

func (r *MessageRouter) QueueStats(ctx context.Context, agentID string) (*model.QueueStats, error) {
	return r.queue.Size(ctx, model.AgentInbox(agentID))
}

func (r *MessageRouter) OnMessage(h pubsub.Handler) (remove func()) {
	return r.pubsub.OnMessage(h)
}

func decodeMessages(queued []*model.QueuedMessage) []*model.Message {
	out := make([]*model.Message, 0, len(queued))
	for _, qm := range queued {
		if msg, err := qm.Message(); err == nil {
			out = append(out, msg)
		}
	}
	return out
}
