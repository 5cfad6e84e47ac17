package service

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MembershipChecker is the persistence-store contract consumed before the
// admin publish surface accepts a workspace-scoped message. The bus never
// stores workspace state itself.
type MembershipChecker interface {
	IsAgentInWorkspace(ctx context.Context, workspaceID, agentID string) (bool, error)
}

// AllowAllMembership accepts every agent. It is the default backing when
// no external persistence store is wired in.
type AllowAllMembership struct{}

func NewAllowAllMembership() *AllowAllMembership { return &AllowAllMembership{} }

func (AllowAllMembership) IsAgentInWorkspace(context.Context, string, string) (bool, error) {
	return true, nil
}

// cachedMembership decorates a checker with a bounded cache so hot
// workspace/agent pairs skip the backing lookup.
type cachedMembership struct {
	next  MembershipChecker
	cache *lru.Cache[string, bool]
}

// NewCachedMembership wraps next with an LRU of the given size.
func NewCachedMembership(next MembershipChecker, size int) MembershipChecker {
	cache, _ := lru.New[string, bool](size)
	return &cachedMembership{next: next, cache: cache}
}

func (c *cachedMembership) IsAgentInWorkspace(ctx context.Context, workspaceID, agentID string) (bool, error) {
	key := workspaceID + "\x00" + agentID
	if ok, hit := c.cache.Get(key); hit {
		return ok, nil
	}
	ok, err := c.next.IsAgentInWorkspace(ctx, workspaceID, agentID)
	if err != nil {
		return false, err
	}
	c.cache.Add(key, ok)
	return ok, nil
}
