package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/agent-bus/infra/broker"
	"github.com/webitel/agent-bus/internal/domain/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := broker.NewClient(broker.Config{
		URL:          "redis://" + srv.Addr(),
		Timeout:      2 * time.Second,
		RetryBackoff: 10 * time.Millisecond,
	}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return NewManager(c, time.Hour, 3, slog.Default())
}

type note struct {
	Text string `json:"text"`
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "inbox", note{Text: "routine"})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "inbox", note{Text: "urgent"}, WithPriority(10))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "inbox", note{Text: "soon"}, WithPriority(5))
	require.NoError(t, err)

	var order []string
	for {
		qm, err := m.Dequeue(ctx, "inbox")
		require.NoError(t, err)
		if qm == nil {
			break
		}
		var n note
		require.NoError(t, jsonUnmarshal(qm.Payload, &n))
		order = append(order, n.Text)
	}
	assert.Equal(t, []string{"urgent", "soon", "routine"}, order)
}

func TestDequeueIncrementsAttempts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "inbox", note{Text: "x"})
	require.NoError(t, err)

	qm, err := m.Dequeue(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, qm)
	assert.Equal(t, id, qm.MessageID)
	assert.Equal(t, 1, qm.Attempts)

	// In flight now, not pending.
	stats, err := m.Size(ctx, "inbox")
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 1, stats.Processing)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "inbox", note{Text: "x"})
	require.NoError(t, err)
	_, err = m.Dequeue(ctx, "inbox")
	require.NoError(t, err)

	acked, err := m.Acknowledge(ctx, "inbox", id)
	require.NoError(t, err)
	assert.True(t, acked)

	acked, err = m.Acknowledge(ctx, "inbox", id)
	require.NoError(t, err)
	assert.False(t, acked, "second acknowledge finds nothing")

	stats, err := m.Size(ctx, "inbox")
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Total)
}

func TestRejectRequeuesUntilBudgetExhausted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "inbox", note{Text: "flaky"}, WithMaxAttempts(2))
	require.NoError(t, err)

	// First delivery fails: one attempt spent, budget allows a retry.
	qm, err := m.Dequeue(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, qm)
	require.NoError(t, m.Reject(ctx, "inbox", id, true))

	pending, err := m.Pending(ctx, "inbox", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts, "requeue preserves the attempt count")

	// Second delivery fails too: budget exhausted, off to dead letter.
	qm, err = m.Dequeue(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, qm)
	assert.Equal(t, 2, qm.Attempts)
	require.NoError(t, m.Reject(ctx, "inbox", id, true))

	dead, err := m.DeadLetter(ctx, "inbox")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].MessageID)

	stats, err := m.Size(ctx, "inbox")
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 0, stats.Processing)
	assert.EqualValues(t, 1, stats.DeadLetter)
}

func TestRejectWithoutRequeueGoesStraightToDeadLetter(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "inbox", note{Text: "poison"})
	require.NoError(t, err)
	_, err = m.Dequeue(ctx, "inbox")
	require.NoError(t, err)

	require.NoError(t, m.Reject(ctx, "inbox", id, false))

	dead, err := m.DeadLetter(ctx, "inbox")
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRejectUnknownMessage(t *testing.T) {
	m := newTestManager(t)
	err := m.Reject(context.Background(), "inbox", "no-such-id", true)
	assert.ErrorIs(t, err, ErrNotInFlight)
}

func TestRejectRacingReaperDeadLettersOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const total = 20
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id, err := m.Enqueue(ctx, "inbox", note{Text: "doomed"}, WithMaxAttempts(1))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for range ids {
		qm, err := m.Dequeue(ctx, "inbox")
		require.NoError(t, err)
		require.NotNil(t, qm)
	}

	// A consumer reject and a reaper sweep fight over the same in-flight
	// entries; the HashDel claim lets exactly one of them move each
	// message.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			if err := m.Reject(ctx, "inbox", id, false); err != nil {
				assert.ErrorIs(t, err, ErrNotInFlight)
			}
		}
	}()
	go func() {
		defer wg.Done()
		_, err := m.CleanupStale(ctx, "inbox", 0)
		assert.NoError(t, err)
	}()
	wg.Wait()

	stats, err := m.Size(ctx, "inbox")
	require.NoError(t, err)
	assert.EqualValues(t, total, stats.DeadLetter, "one dead-letter copy per message")
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 0, stats.Processing)
}

func TestSweepSamplesQueueDepths(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "a", note{Text: "one"})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "a", note{Text: "two"})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "b", note{Text: "three"})
	require.NoError(t, err)
	qm, err := m.Dequeue(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, qm)

	var got *model.QueueStats
	m.ObserveDepth(func(s *model.QueueStats) { got = s })
	m.sweep(ctx, time.Hour)

	require.NotNil(t, got)
	assert.EqualValues(t, 2, got.Pending)
	assert.EqualValues(t, 1, got.Processing)
	assert.EqualValues(t, 0, got.DeadLetter)
}

func TestMessageIDStableAcrossRedelivery(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "inbox", note{Text: "x"}, WithMessageID("fixed-id"))
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)

	qm, err := m.Dequeue(ctx, "inbox")
	require.NoError(t, err)
	require.NoError(t, m.Reject(ctx, "inbox", qm.MessageID, true))

	qm, err = m.Dequeue(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", qm.MessageID)
}

func TestCleanupStaleRequeuesOldInFlight(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "inbox", note{Text: "stuck"})
	require.NoError(t, err)
	qm, err := m.Dequeue(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, qm)

	// Entry is fresh: nothing moves.
	moved, err := m.CleanupStale(ctx, "inbox", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, moved)

	// With a zero max age everything in flight counts as stale.
	moved, err = m.CleanupStale(ctx, "inbox", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	stats, err := m.Size(ctx, "inbox")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending, "stale entry with budget left returns to pending")
	assert.EqualValues(t, 0, stats.Processing)
}

func TestPendingPeeksWithoutConsuming(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "inbox", note{Text: "a"})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "inbox", note{Text: "b"}, WithPriority(1))
	require.NoError(t, err)

	peeked, err := m.Pending(ctx, "inbox", 0)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, 0, peeked[0].Attempts)

	stats, err := m.Size(ctx, "inbox")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Pending, "peek leaves the queue intact")
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
