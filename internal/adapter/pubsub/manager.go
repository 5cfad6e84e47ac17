// Package pubsub multiplexes many in-process subscribers over the single
// broker subscription stream. Each local subscriber keeps its own topic
// set; the broker-side subscription for a channel is held as long as at
// least one local subscriber references it.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/agent-bus/infra/broker"
	"github.com/webitel/agent-bus/internal/domain/model"
)

// Handler receives every inbound envelope. Handlers run sequentially per
// frame; a failing handler is logged and does not abort the pump.
type Handler func(ctx context.Context, env *model.Envelope) error

type Manager struct {
	broker *broker.Client
	logger *slog.Logger
	tick   time.Duration

	mu    sync.Mutex
	subs  map[string]map[string]struct{} // subscriber id -> channel set
	psubs map[string]map[string]struct{} // subscriber id -> pattern set
	refs  map[string]int                 // channel -> local subscriber count
	prefs map[string]int                 // pattern -> local subscriber count

	handlerMu sync.Mutex
	handlers  map[uint64]Handler
	nextID    uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(b *broker.Client, tick time.Duration, logger *slog.Logger) *Manager {
	if tick <= 0 {
		tick = time.Second
	}
	return &Manager{
		broker:   b,
		logger:   logger.With(slog.String("component", "pubsub")),
		tick:     tick,
		subs:     make(map[string]map[string]struct{}),
		psubs:    make(map[string]map[string]struct{}),
		refs:     make(map[string]int),
		prefs:    make(map[string]int),
		handlers: make(map[uint64]Handler),
	}
}

// Subscribe registers subscriberID for topics and joins any channel this
// process was not yet subscribed to. Re-subscribing to a held channel only
// bumps the local refcount.
func (m *Manager) Subscribe(ctx context.Context, subscriberID string, topics ...string) error {
	fresh := m.track(m.subs, m.refs, subscriberID, topics)
	if err := m.broker.Subscribe(ctx, fresh...); err != nil {
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}
	return nil
}

// PSubscribe is Subscribe for glob-style patterns.
func (m *Manager) PSubscribe(ctx context.Context, subscriberID string, patterns ...string) error {
	fresh := m.track(m.psubs, m.prefs, subscriberID, patterns)
	if err := m.broker.PSubscribe(ctx, fresh...); err != nil {
		return fmt.Errorf("pubsub: psubscribe: %w", err)
	}
	return nil
}

// track records topics for one subscriber and returns the ones whose
// refcount went zero to one, i.e. those the broker must newly join.
func (m *Manager) track(subs map[string]map[string]struct{}, refs map[string]int, id string, topics []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := subs[id]
	if set == nil {
		set = make(map[string]struct{})
		subs[id] = set
	}
	var fresh []string
	for _, t := range topics {
		if _, ok := set[t]; ok {
			continue
		}
		set[t] = struct{}{}
		refs[t]++
		if refs[t] == 1 {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// Unsubscribe removes topics for subscriberID; with no topics given it
// removes all of them. Channels still referenced by another subscriber stay
// joined on the broker. Unsubscribing without a prior subscribe is a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, subscriberID string, topics ...string) error {
	released := m.untrack(m.subs, m.refs, subscriberID, topics)
	preleased := m.untrack(m.psubs, m.prefs, subscriberID, topics)

	if err := m.broker.Unsubscribe(ctx, released...); err != nil {
		return fmt.Errorf("pubsub: unsubscribe: %w", err)
	}
	if err := m.broker.PUnsubscribe(ctx, preleased...); err != nil {
		return fmt.Errorf("pubsub: punsubscribe: %w", err)
	}
	return nil
}

func (m *Manager) untrack(subs map[string]map[string]struct{}, refs map[string]int, id string, topics []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := subs[id]
	if set == nil {
		return nil
	}
	if len(topics) == 0 {
		topics = make([]string, 0, len(set))
		for t := range set {
			topics = append(topics, t)
		}
	}
	var released []string
	for _, t := range topics {
		if _, ok := set[t]; !ok {
			continue
		}
		delete(set, t)
		refs[t]--
		if refs[t] <= 0 {
			delete(refs, t)
			released = append(released, t)
		}
	}
	if len(set) == 0 {
		delete(subs, id)
	}
	return released
}

// Publish wraps payload in the wire envelope and fans it out on topic.
// Returns the broker-reported recipient count.
func (m *Manager) Publish(ctx context.Context, topic string, payload any, messageID string) (int64, error) {
	env, err := model.NewEnvelope(topic, payload, messageID)
	if err != nil {
		return 0, fmt.Errorf("pubsub: %w", err)
	}
	data, err := env.Encode()
	if err != nil {
		return 0, fmt.Errorf("pubsub: %w", err)
	}
	n, err := m.broker.Publish(ctx, topic, data)
	if err != nil {
		return 0, fmt.Errorf("pubsub: publish %s: %w", topic, err)
	}
	return n, nil
}

// SubscriberCount reports how many local subscribers hold topic.
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.subs {
		if _, ok := set[topic]; ok {
			n++
		}
	}
	return n
}

// Subscriptions returns the topic set of one subscriber.
func (m *Manager) Subscriptions(subscriberID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subs[subscriberID]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// OnMessage registers h for every inbound frame and returns its removal
// function.
func (m *Manager) OnMessage(h Handler) (remove func()) {
	m.handlerMu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.handlerMu.Unlock()
	return func() {
		m.handlerMu.Lock()
		delete(m.handlers, id)
		m.handlerMu.Unlock()
	}
}

// StartListening spawns the pump goroutine. Idempotent.
func (m *Manager) StartListening(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.pump(pumpCtx)
}

// StopListening cooperatively cancels the pump and waits for it to drain.
func (m *Manager) StopListening() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) pump(ctx context.Context) {
	defer close(m.done)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := m.broker.NextFrame(ctx, m.tick)
		if err != nil {
			if errors.Is(err, broker.ErrNoFrame) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// The pull stream broke. The broker forgets our subscription
			// set on reconnect, so re-issue every held channel before
			// pulling again.
			m.logger.Warn("pull stream error, resyncing subscriptions", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.tick):
			}
			m.resync(ctx)
			continue
		}
		m.dispatch(ctx, frame)
	}
}

// resync re-subscribes every channel and pattern currently referenced by
// at least one local subscriber.
func (m *Manager) resync(ctx context.Context) {
	m.mu.Lock()
	channels := make([]string, 0, len(m.refs))
	for c := range m.refs {
		channels = append(channels, c)
	}
	patterns := make([]string, 0, len(m.prefs))
	for p := range m.prefs {
		patterns = append(patterns, p)
	}
	m.mu.Unlock()

	if err := m.broker.Subscribe(ctx, channels...); err != nil {
		m.logger.Error("resync subscribe failed", slog.Any("err", err))
	}
	if err := m.broker.PSubscribe(ctx, patterns...); err != nil {
		m.logger.Error("resync psubscribe failed", slog.Any("err", err))
	}
}

func (m *Manager) dispatch(ctx context.Context, frame *broker.Frame) {
	env, err := model.DecodeEnvelope(frame.Payload)
	if err != nil {
		m.logger.Warn("dropping undecodable frame",
			slog.String("channel", frame.Channel), slog.Any("err", err))
		return
	}
	if env.Topic == "" {
		env.Topic = frame.Channel
	}

	m.handlerMu.Lock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.handlerMu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			m.logger.Error("handler failed",
				slog.String("topic", env.Topic),
				slog.String("message_id", env.MessageID),
				slog.Any("err", err))
		}
	}
}
