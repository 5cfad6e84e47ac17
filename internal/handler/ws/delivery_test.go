package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/agent-bus/infra/broker"
	"github.com/webitel/agent-bus/infra/metrics"
	"github.com/webitel/agent-bus/internal/adapter/pubsub"
	"github.com/webitel/agent-bus/internal/adapter/queue"
	"github.com/webitel/agent-bus/internal/auth"
	"github.com/webitel/agent-bus/internal/domain/model"
	"github.com/webitel/agent-bus/internal/domain/registry"
	"github.com/webitel/agent-bus/internal/service"
)

type busFixture struct {
	server   *httptest.Server
	router   service.Router
	registry *registry.Manager
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := broker.NewClient(broker.Config{
		URL:          "redis://" + srv.Addr(),
		Timeout:      2 * time.Second,
		RetryBackoff: 10 * time.Millisecond,
	}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	ps := pubsub.NewManager(client, 50*time.Millisecond, slog.Default())
	ps.StartListening(context.Background())
	t.Cleanup(ps.StopListening)

	q := queue.NewManager(client, time.Hour, 3, slog.Default())
	router := service.NewMessageRouter(ps, q, slog.Default())

	reg := registry.NewManager(slog.Default(),
		registry.WithSendBuffer(64),
		registry.WithSendTimeout(time.Second),
	)
	m := metrics.New()

	handler := NewHandler(slog.Default(), reg, router, auth.NewAnonymousVerifier(), m)
	dispatcher := NewDispatcher(slog.Default(), reg, m)
	remove := router.OnMessage(dispatcher.HandleEnvelope)
	t.Cleanup(remove)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	t.Cleanup(reg.Shutdown)

	return &busFixture{server: ts, router: router, registry: reg}
}

func (f *busFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame arrived", frameType)
	return nil
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestConnectEmitsConnectedFrame(t *testing.T) {
	f := newBusFixture(t)
	conn := f.dial(t, "agent_id=alice&workspace_id=ws-1&user_id=u1")

	frame := readFrame(t, conn)
	assert.Equal(t, "connected", frame["type"])
	assert.NotEmpty(t, frame["connection_id"])

	session, ok := f.registry.SessionByAgent("alice")
	require.True(t, ok)
	assert.Equal(t, frame["connection_id"], session.ID())
	assert.Equal(t, "ws-1", session.WorkspaceID())
	assert.Equal(t, "u1", session.UserID())
}

func TestDirectSendReachesRecipient(t *testing.T) {
	f := newBusFixture(t)

	alice := f.dial(t, "agent_id=alice&workspace_id=ws-1")
	readFrame(t, alice) // connected

	bob := f.dial(t, "agent_id=bob&workspace_id=ws-1")
	readFrame(t, bob) // connected

	writeFrame(t, alice, map[string]any{
		"type":     "send",
		"to_agent": "bob",
		"content":  map[string]any{"task": "review PR"},
	})

	sent := readUntil(t, alice, "sent")
	messageID := sent["message_id"]
	require.NotEmpty(t, messageID)

	msg := readUntil(t, bob, "message")
	payload := msg["data"].(map[string]any)
	assert.Equal(t, messageID, payload["message_id"])
	assert.Equal(t, "alice", payload["from_agent"])
	assert.Equal(t, "review PR", payload["content"].(map[string]any)["task"])
	assert.NotEqual(t, true, msg["queued"], "live delivery is not flagged as queued")
}

func TestQueuedMessagesDrainOnConnect(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	// Two messages land while bob is offline.
	_, err := f.router.SendDirect(ctx, "alice", "bob",
		map[string]any{"seq": 1}, model.KindNotification, model.ModeQueue, 0)
	require.NoError(t, err)
	_, err = f.router.SendDirect(ctx, "alice", "bob",
		map[string]any{"seq": 2}, model.KindNotification, model.ModeQueue, 5)
	require.NoError(t, err)

	bob := f.dial(t, "agent_id=bob")
	readFrame(t, bob) // connected

	first := readUntil(t, bob, "message")
	assert.Equal(t, true, first["queued"])
	firstPayload := first["data"].(map[string]any)
	assert.EqualValues(t, 2, firstPayload["content"].(map[string]any)["seq"],
		"higher priority drains first")

	second := readUntil(t, bob, "message")
	secondPayload := second["data"].(map[string]any)
	assert.EqualValues(t, 1, secondPayload["content"].(map[string]any)["seq"])

	// Drain consumed the queue entirely.
	stats, err := f.router.QueueStats(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Total)
}

func TestBothModeDeliveredOnceToLiveRecipient(t *testing.T) {
	f := newBusFixture(t)

	bob := f.dial(t, "agent_id=bob")
	readFrame(t, bob) // connected

	alice := f.dial(t, "agent_id=alice")
	readFrame(t, alice) // connected

	writeFrame(t, alice, map[string]any{
		"type":     "send",
		"to_agent": "bob",
		"content":  map[string]any{"once": true},
	})
	readUntil(t, alice, "sent")

	readUntil(t, bob, "message")

	// No duplicate arrives on the other path.
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	for {
		_, data, err := bob.ReadMessage()
		if err != nil {
			break
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		require.NotEqual(t, "message", frame["type"], "double delivery of a both-mode send")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	f := newBusFixture(t)

	alice := f.dial(t, "agent_id=alice&workspace_id=ws-1")
	readFrame(t, alice)
	bob := f.dial(t, "agent_id=bob&workspace_id=ws-1")
	readFrame(t, bob)
	carol := f.dial(t, "agent_id=carol&workspace_id=ws-2")
	readFrame(t, carol)

	writeFrame(t, alice, map[string]any{
		"type":          "broadcast",
		"content":       map[string]any{"announce": "standup"},
		"exclude_agent": "alice",
	})

	ack := readUntil(t, alice, "broadcast")
	assert.Equal(t, "ws-1", ack["workspace_id"])
	assert.EqualValues(t, 1, ack["recipient_count"], "alice excluded, carol in another workspace")

	msg := readUntil(t, bob, "message")
	payload := msg["data"].(map[string]any)
	assert.Equal(t, "standup", payload["content"].(map[string]any)["announce"])

	// Carol's workspace never sees it.
	require.NoError(t, carol.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	for {
		_, data, err := carol.ReadMessage()
		if err != nil {
			break
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		require.NotEqual(t, "message", frame["type"], "cross-workspace leak")
	}
}

func TestSubscribeAndTopicDelivery(t *testing.T) {
	f := newBusFixture(t)

	listener := f.dial(t, "agent_id=listener")
	readFrame(t, listener)

	writeFrame(t, listener, map[string]any{
		"type":   "subscribe",
		"topics": []string{"deploys"},
	})
	sub := readUntil(t, listener, "subscribed")
	topics := sub["topics"].([]any)
	assert.Equal(t, "deploys", topics[0])

	// Publish from outside any session; the subscriber still gets it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := readUntil(t, listener, "message")
		payload := msg["data"].(map[string]any)
		assert.Equal(t, "v2 shipped", payload["content"].(map[string]any)["text"])
	}()

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		m := model.NewMessage("ci", "", map[string]any{"text": "v2 shipped"}, model.KindNotification, model.ModePubSub, 0)
		_, err := f.router.Publish(ctx, "deploys", m)
		require.NoError(t, err)
		select {
		case <-done:
			return
		case <-time.After(100 * time.Millisecond):
		}
		require.True(t, time.Now().Before(deadline), "topic delivery never happened")
	}
}

func TestUnsubscribeStopsTopicDelivery(t *testing.T) {
	f := newBusFixture(t)

	listener := f.dial(t, "agent_id=listener")
	readFrame(t, listener)

	writeFrame(t, listener, map[string]any{"type": "subscribe", "topics": []string{"alerts"}})
	readUntil(t, listener, "subscribed")

	writeFrame(t, listener, map[string]any{"type": "unsubscribe", "topics": []string{"alerts"}})
	unsub := readUntil(t, listener, "unsubscribed")
	assert.NotNil(t, unsub["topics"])

	assert.Empty(t, f.router.Subscriptions("ignored-wrong-id"), "sanity: unknown subscriber has no topics")
}

func TestAgentReconnectReplacesSession(t *testing.T) {
	f := newBusFixture(t)

	first := f.dial(t, "agent_id=alice")
	connected := readFrame(t, first)
	firstID := connected["connection_id"]

	second := f.dial(t, "agent_id=alice")
	connected = readFrame(t, second)
	require.NotEqual(t, firstID, connected["connection_id"])

	require.Eventually(t, func() bool {
		s, ok := f.registry.SessionByAgent("alice")
		return ok && s.ID() == connected["connection_id"]
	}, 2*time.Second, 20*time.Millisecond)

	// The first socket is closed by the eviction.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSendWithoutTargetGetsErrorFrame(t *testing.T) {
	f := newBusFixture(t)
	conn := f.dial(t, "agent_id=alice")
	readFrame(t, conn)

	writeFrame(t, conn, map[string]any{"type": "send", "content": map[string]any{}})
	frame := readUntil(t, conn, "error")
	assert.Contains(t, frame["message"], "to_agent")
}

func TestUnknownFrameTypeGetsErrorFrame(t *testing.T) {
	f := newBusFixture(t)
	conn := f.dial(t, "agent_id=alice")
	readFrame(t, conn)

	writeFrame(t, conn, map[string]any{"type": "teleport"})
	frame := readUntil(t, conn, "error")
	assert.Equal(t, "unknown message type", frame["message"])

	// The session survives the bad frame.
	writeFrame(t, conn, map[string]any{"type": "subscribe", "topics": []string{"t"}})
	readUntil(t, conn, "subscribed")
}

func TestMalformedJSONGetsErrorFrame(t *testing.T) {
	f := newBusFixture(t)
	conn := f.dial(t, "agent_id=alice")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readUntil(t, conn, "error")
	assert.Equal(t, "malformed frame", frame["message"])
}

func TestPongKeepsSessionAlive(t *testing.T) {
	f := newBusFixture(t)
	conn := f.dial(t, "agent_id=alice")
	readFrame(t, conn)

	writeFrame(t, conn, map[string]any{"type": "pong"})

	require.Eventually(t, func() bool {
		s, ok := f.registry.SessionByAgent("alice")
		return ok && !s.LastPong().IsZero()
	}, 2*time.Second, 20*time.Millisecond)
}
