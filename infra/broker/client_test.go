package broker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := NewClient(Config{
		URL:          "redis://" + srv.Addr(),
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
	}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestClientKeyRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got, "missing key reads as nil, not an error")
}

func TestClientQueueOrdering(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.QueuePush(ctx, "q", []byte("low"), 0))
	require.NoError(t, c.QueuePush(ctx, "q", []byte("high"), -5))
	require.NoError(t, c.QueuePush(ctx, "q", []byte("mid"), -1))

	var popped []string
	for {
		m, err := c.QueuePopMin(ctx, "q")
		require.NoError(t, err)
		if m == nil {
			break
		}
		popped = append(popped, string(m.Member))
	}
	assert.Equal(t, []string{"high", "mid", "low"}, popped)

	n, err := c.QueueLen(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClientQueuePopEmpty(t *testing.T) {
	c, _ := newTestClient(t)
	m, err := c.QueuePopMin(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestClientHashOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HashSet(ctx, "h", "a", []byte("1")))
	require.NoError(t, c.HashSet(ctx, "h", "b", []byte("2")))

	got, err := c.HashGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	missing, err := c.HashGet(ctx, "h", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := c.HashGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	removed, err := c.HashDel(ctx, "h", "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	removed, err = c.HashDel(ctx, "h", "a")
	require.NoError(t, err)
	assert.Zero(t, removed, "second delete is a no-op")
}

func TestClientListOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.ListPushLeft(ctx, "l", []byte("first")))
	require.NoError(t, c.ListPushLeft(ctx, "l", []byte("second")))

	items, err := c.ListRange(ctx, "l")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []byte("second"), items[0], "left push puts newest first")

	n, err := c.ListLen(ctx, "l")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestClientPubSubFrame(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "news"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		// Republish until the subscription is live; the first publish can
		// race the subscribe confirmation.
		_, err := c.Publish(ctx, "news", []byte("hello"))
		require.NoError(t, err)

		frame, err := c.NextFrame(ctx, 100*time.Millisecond)
		if err == nil {
			assert.Equal(t, FrameMessage, frame.Type)
			assert.Equal(t, "news", frame.Channel)
			assert.Equal(t, []byte("hello"), frame.Payload)
			return
		}
		require.ErrorIs(t, err, ErrNoFrame)
		require.True(t, time.Now().Before(deadline), "frame never arrived")
	}
}

func TestClientNextFrameIdle(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "quiet"))
	_, err := c.NextFrame(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestClientEcho(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.Echo(context.Background(), "probe", []byte("ping"), 2*time.Second)
	require.NoError(t, err)
}

func TestClientHealthyFlag(t *testing.T) {
	c, srv := newTestClient(t)
	assert.True(t, c.Healthy())

	srv.Close()
	// Ping exhausts its retries against the dead server and flips the flag.
	_ = c.Ping(context.Background())
	assert.False(t, c.Healthy())
}
