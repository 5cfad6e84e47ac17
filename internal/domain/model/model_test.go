package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryModeValid(t *testing.T) {
	assert.True(t, ModePubSub.Valid())
	assert.True(t, ModeQueue.Valid())
	assert.True(t, ModeBoth.Valid())
	assert.False(t, DeliveryMode("smoke-signal").Valid())
	assert.False(t, DeliveryMode("").Valid())
}

func TestDeliveryModePaths(t *testing.T) {
	assert.True(t, ModeBoth.Queued())
	assert.True(t, ModeBoth.Published())
	assert.True(t, ModeQueue.Queued())
	assert.False(t, ModeQueue.Published())
	assert.False(t, ModePubSub.Queued())
	assert.True(t, ModePubSub.Published())
}

func TestEnvelopeRoundTripPreservesMessage(t *testing.T) {
	msg := NewMessage("alice", "bob", map[string]any{"k": "v"}, KindRequest, ModeBoth, 3)
	env, err := NewEnvelope(AgentInbox("bob"), msg, msg.ID)
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, env.Topic, decoded.Topic)
	assert.Equal(t, msg.ID, decoded.MessageID)

	got, err := decoded.Message()
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "alice", got.FromAgent)
	assert.Equal(t, "bob", got.ToAgent)
	assert.Equal(t, KindRequest, got.Kind)
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, "v", got.Content["k"])
}

func TestQueuedMessageScoreInvertsPriority(t *testing.T) {
	qm, err := NewQueuedMessage("q", "id", "payload", 7, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(-7), qm.Score(), "higher priority scores lower, popping first")
}

func TestInboxAgent(t *testing.T) {
	id, ok := InboxAgent(AgentInbox("bob"))
	require.True(t, ok)
	assert.Equal(t, "bob", id)

	_, ok = InboxAgent("agent:bob")
	assert.False(t, ok, "plain agent topic is not an inbox")
	_, ok = InboxAgent("workspace:ws-1")
	assert.False(t, ok)
	_, ok = InboxAgent("agent::inbox")
	assert.False(t, ok, "empty agent id")
}

func TestWorkspaceOf(t *testing.T) {
	id, ok := WorkspaceOf(WorkspaceTopic("ws-1"))
	require.True(t, ok)
	assert.Equal(t, "ws-1", id)

	_, ok = WorkspaceOf("agent:bob:inbox")
	assert.False(t, ok)
	_, ok = WorkspaceOf("workspace:")
	assert.False(t, ok)
}

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, ValidateTopic("deploys"))
	assert.Error(t, ValidateTopic(""))
	assert.Error(t, ValidateTopic(strings.Repeat("x", MaxTopicLen+1)))
	assert.NoError(t, ValidateTopic(strings.Repeat("x", MaxTopicLen)))
}
