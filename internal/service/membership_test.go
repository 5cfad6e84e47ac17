package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMembership struct {
	calls int
	allow bool
}

func (c *countingMembership) IsAgentInWorkspace(context.Context, string, string) (bool, error) {
	c.calls++
	return c.allow, nil
}

func TestCachedMembershipHitsBackingOnce(t *testing.T) {
	backing := &countingMembership{allow: true}
	cached := NewCachedMembership(backing, 16)
	ctx := context.Background()

	for range 3 {
		ok, err := cached.IsAgentInWorkspace(ctx, "ws-1", "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, backing.calls)

	// A different pair misses the cache.
	_, err := cached.IsAgentInWorkspace(ctx, "ws-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.calls)
}

func TestCachedMembershipCachesDenials(t *testing.T) {
	backing := &countingMembership{allow: false}
	cached := NewCachedMembership(backing, 16)
	ctx := context.Background()

	ok, err := cached.IsAgentInWorkspace(ctx, "ws-1", "intruder")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cached.IsAgentInWorkspace(ctx, "ws-1", "intruder")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, backing.calls)
}

func TestAllowAllMembership(t *testing.T) {
	ok, err := NewAllowAllMembership().IsAgentInWorkspace(context.Background(), "any", "one")
	require.NoError(t, err)
	assert.True(t, ok)
}
