// Package queue implements the durable per-recipient delivery path: a
// priority queue in a broker sorted set, an in-flight hash, and a
// dead-letter list, with bounded retry and a stale-entry reaper.
//
// A given message id lives in exactly one of pending, processing,
// dead-letter, or nowhere (consumed) at any instant. Delivery is
// at-least-once: a crash between pop and acknowledge yields redelivery,
// so consumers must be idempotent keyed on the message id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/agent-bus/infra/broker"
	"github.com/webitel/agent-bus/internal/domain/model"
)

// ErrNotInFlight is returned by Reject when the message id is not in the
// processing hash, e.g. it was already acknowledged.
var ErrNotInFlight = errors.New("queue: message not in flight")

const (
	pendingSuffix    = ":queue"
	processingSuffix = ":processing"
	deadLetterSuffix = ":dead_letter"
)

type Manager struct {
	broker      *broker.Client
	logger      *slog.Logger
	defaultTTL  time.Duration
	maxAttempts int

	mu    sync.Mutex
	known map[string]struct{} // queue names seen; the reaper iterates these

	onDepth func(*model.QueueStats) // depth sample sink, set before the reaper starts
}

func NewManager(b *broker.Client, defaultTTL time.Duration, maxAttempts int, logger *slog.Logger) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	return &Manager{
		broker:      b,
		logger:      logger.With(slog.String("component", "queue")),
		defaultTTL:  defaultTTL,
		maxAttempts: maxAttempts,
		known:       make(map[string]struct{}),
	}
}

func pendingKey(name string) string    { return name + pendingSuffix }
func processingKey(name string) string { return name + processingSuffix }
func deadLetterKey(name string) string { return name + deadLetterSuffix }

// EnqueueOption tunes a single enqueue.
type EnqueueOption func(*enqueueOpts)

type enqueueOpts struct {
	priority    int
	metadata    map[string]any
	ttl         time.Duration
	messageID   string
	maxAttempts int
}

// WithPriority sets the urgency; higher pops first.
func WithPriority(p int) EnqueueOption { return func(o *enqueueOpts) { o.priority = p } }

// WithMetadata attaches opaque metadata to the queued wrapper.
func WithMetadata(md map[string]any) EnqueueOption { return func(o *enqueueOpts) { o.metadata = md } }

// WithTTL overrides the default queue-key lifetime for this enqueue.
func WithTTL(ttl time.Duration) EnqueueOption { return func(o *enqueueOpts) { o.ttl = ttl } }

// WithMessageID reuses a router-assigned id so the durable and ephemeral
// copies of one message stay correlated.
func WithMessageID(id string) EnqueueOption { return func(o *enqueueOpts) { o.messageID = id } }

// WithMaxAttempts overrides the retry budget for this message.
func WithMaxAttempts(n int) EnqueueOption { return func(o *enqueueOpts) { o.maxAttempts = n } }

// Enqueue writes payload into the pending queue of name and returns the
// message id. The queue key TTL is refreshed on every enqueue.
func (m *Manager) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (string, error) {
	o := enqueueOpts{ttl: m.defaultTTL, maxAttempts: m.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.messageID == "" {
		o.messageID = uuid.NewString()
	}

	qm, err := model.NewQueuedMessage(name, o.messageID, payload, o.priority, o.metadata)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", name, err)
	}
	qm.MaxAttempts = o.maxAttempts

	if err := m.push(ctx, qm, o.ttl); err != nil {
		return "", err
	}
	m.remember(name)
	return o.messageID, nil
}

// push writes an encoded wrapper into the pending set of its queue.
func (m *Manager) push(ctx context.Context, qm *model.QueuedMessage, ttl time.Duration) error {
	data, err := qm.Encode()
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", qm.MessageID, err)
	}
	key := pendingKey(qm.QueueName)
	if err := m.broker.QueuePush(ctx, key, data, qm.Score()); err != nil {
		return fmt.Errorf("queue: push %s: %w", qm.QueueName, err)
	}
	if ttl > 0 {
		if err := m.broker.Expire(ctx, key, ttl); err != nil {
			m.logger.Warn("failed to set queue ttl", slog.String("queue", qm.QueueName), slog.Any("err", err))
		}
	}
	return nil
}

// Dequeue pops the highest-priority pending message of name, moves it into
// the in-flight hash with attempts incremented, and returns it.
// Non-blocking: an empty queue returns (nil, nil).
func (m *Manager) Dequeue(ctx context.Context, name string) (*model.QueuedMessage, error) {
	member, err := m.broker.QueuePopMin(ctx, pendingKey(name))
	if err != nil {
		return nil, fmt.Errorf("queue: pop %s: %w", name, err)
	}
	if member == nil {
		return nil, nil
	}

	qm, err := model.DecodeQueuedMessage(member.Member)
	if err != nil {
		// Undecodable members cannot be tracked in flight; park them in
		// the dead-letter list so they are not lost silently.
		m.logger.Error("undecodable queued message", slog.String("queue", name), slog.Any("err", err))
		if dlErr := m.broker.ListPushLeft(ctx, deadLetterKey(name), member.Member); dlErr != nil {
			return nil, fmt.Errorf("queue: dead-letter undecodable member: %w", dlErr)
		}
		return nil, nil
	}

	qm.Attempts++
	data, err := qm.Encode()
	if err != nil {
		return nil, fmt.Errorf("queue: re-encode %s: %w", qm.MessageID, err)
	}
	pkey := processingKey(name)
	if err := m.broker.HashSet(ctx, pkey, qm.MessageID, data); err != nil {
		return nil, fmt.Errorf("queue: track in-flight %s: %w", qm.MessageID, err)
	}
	if err := m.broker.Expire(ctx, pkey, m.defaultTTL); err != nil {
		m.logger.Warn("failed to set processing ttl", slog.String("queue", name), slog.Any("err", err))
	}
	m.remember(name)
	return qm, nil
}

// Acknowledge removes an in-flight message for good. Returns false, with
// no error, when the id was not in flight; acknowledging twice is safe.
func (m *Manager) Acknowledge(ctx context.Context, name, messageID string) (bool, error) {
	n, err := m.broker.HashDel(ctx, processingKey(name), messageID)
	if err != nil {
		return false, fmt.Errorf("queue: acknowledge %s: %w", messageID, err)
	}
	return n > 0, nil
}

// Reject takes an in-flight message out of processing. With requeue and a
// remaining retry budget the message returns to pending, preserving its id
// and priority; otherwise it moves to the dead-letter list permanently.
func (m *Manager) Reject(ctx context.Context, name, messageID string, requeue bool) error {
	pkey := processingKey(name)
	data, err := m.broker.HashGet(ctx, pkey, messageID)
	if err != nil {
		return fmt.Errorf("queue: reject %s: %w", messageID, err)
	}
	if data == nil {
		return ErrNotInFlight
	}
	// The deleted count is the ownership claim; a concurrent reject or
	// reaper sweep that won the race leaves nothing to move.
	n, err := m.broker.HashDel(ctx, pkey, messageID)
	if err != nil {
		return fmt.Errorf("queue: reject %s: %w", messageID, err)
	}
	if n == 0 {
		return ErrNotInFlight
	}

	qm, err := model.DecodeQueuedMessage(data)
	if err != nil {
		return fmt.Errorf("queue: reject decode %s: %w", messageID, err)
	}

	if requeue && qm.Attempts < qm.MaxAttempts {
		m.logger.Debug("requeueing rejected message",
			slog.String("queue", name),
			slog.String("message_id", messageID),
			slog.Int("attempts", qm.Attempts),
			slog.Int("max_attempts", qm.MaxAttempts))
		return m.push(ctx, qm, m.defaultTTL)
	}

	m.logger.Warn("moving message to dead letter",
		slog.String("queue", name),
		slog.String("message_id", messageID),
		slog.Int("attempts", qm.Attempts))
	dkey := deadLetterKey(name)
	if err := m.broker.ListPushLeft(ctx, dkey, data); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", messageID, err)
	}
	if err := m.broker.Expire(ctx, dkey, m.defaultTTL); err != nil {
		m.logger.Warn("failed to set dead-letter ttl", slog.String("queue", name), slog.Any("err", err))
	}
	return nil
}

// CleanupStale sweeps the in-flight hash of name and rejects every entry
// older than maxAge: back to pending while the retry budget lasts, to the
// dead-letter list afterwards. Returns the number of entries moved.
func (m *Manager) CleanupStale(ctx context.Context, name string, maxAge time.Duration) (int, error) {
	entries, err := m.broker.HashGetAll(ctx, processingKey(name))
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup %s: %w", name, err)
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	moved := 0
	for id, data := range entries {
		qm, err := model.DecodeQueuedMessage(data)
		if err != nil {
			m.logger.Warn("dropping undecodable in-flight entry",
				slog.String("queue", name), slog.String("message_id", id))
			_, _ = m.broker.HashDel(ctx, processingKey(name), id)
			continue
		}
		if now-qm.CreatedAt < maxAge.Seconds() {
			continue
		}
		requeue := qm.Attempts < qm.MaxAttempts
		if err := m.Reject(ctx, name, id, requeue); err != nil && !errors.Is(err, ErrNotInFlight) {
			m.logger.Error("stale reject failed",
				slog.String("queue", name), slog.String("message_id", id), slog.Any("err", err))
			continue
		}
		moved++
	}
	return moved, nil
}

// Pending lists up to limit pending messages in pop order without removing
// them. limit <= 0 lists all.
func (m *Manager) Pending(ctx context.Context, name string, limit int64) ([]*model.QueuedMessage, error) {
	raw, err := m.broker.QueueRange(ctx, pendingKey(name), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: pending %s: %w", name, err)
	}
	return decodeAll(raw), nil
}

// Processing lists the in-flight messages of name.
func (m *Manager) Processing(ctx context.Context, name string) ([]*model.QueuedMessage, error) {
	entries, err := m.broker.HashGetAll(ctx, processingKey(name))
	if err != nil {
		return nil, fmt.Errorf("queue: processing %s: %w", name, err)
	}
	out := make([]*model.QueuedMessage, 0, len(entries))
	for _, data := range entries {
		if qm, err := model.DecodeQueuedMessage(data); err == nil {
			out = append(out, qm)
		}
	}
	return out, nil
}

// DeadLetter lists the permanently failed messages of name.
func (m *Manager) DeadLetter(ctx context.Context, name string) ([]*model.QueuedMessage, error) {
	raw, err := m.broker.ListRange(ctx, deadLetterKey(name))
	if err != nil {
		return nil, fmt.Errorf("queue: dead letter %s: %w", name, err)
	}
	return decodeAll(raw), nil
}

// Size reports the three storage surfaces of name.
func (m *Manager) Size(ctx context.Context, name string) (*model.QueueStats, error) {
	pending, err := m.broker.QueueLen(ctx, pendingKey(name))
	if err != nil {
		return nil, fmt.Errorf("queue: size %s: %w", name, err)
	}
	processing, err := m.broker.HashLen(ctx, processingKey(name))
	if err != nil {
		return nil, fmt.Errorf("queue: size %s: %w", name, err)
	}
	dead, err := m.broker.ListLen(ctx, deadLetterKey(name))
	if err != nil {
		return nil, fmt.Errorf("queue: size %s: %w", name, err)
	}
	return &model.QueueStats{
		Pending:    pending,
		Processing: processing,
		DeadLetter: dead,
		Total:      pending + processing + dead,
	}, nil
}

func (m *Manager) remember(name string) {
	m.mu.Lock()
	m.known[name] = struct{}{}
	m.mu.Unlock()
}

// knownQueues snapshots every queue this process has touched.
func (m *Manager) knownQueues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.known))
	for n := range m.known {
		out = append(out, n)
	}
	return out
}

func decodeAll(raw [][]byte) []*model.QueuedMessage {
	out := make([]*model.QueuedMessage, 0, len(raw))
	for _, data := range raw {
		if qm, err := model.DecodeQueuedMessage(data); err == nil {
			out = append(out, qm)
		}
	}
	return out
}
