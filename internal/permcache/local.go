package permcache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalCache is a per-process LRU of decisions with a short TTL.
type LocalCache struct {
	lru   *expirable.LRU[string, Decision]
	clock func() time.Time
}

// NewLocalCache creates an LRU holding at most size decisions for ttl each.
// A non-positive size returns nil, which every method treats as disabled.
func NewLocalCache(size int, ttl time.Duration) *LocalCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &LocalCache{
		lru:   expirable.NewLRU[string, Decision](size, nil, ttl),
		clock: time.Now,
	}
}

// Get returns a fresh decision.
func (c *LocalCache) Get(ctx context.Context, subjectID, menuCode string) (Decision, bool, error) {
	if c == nil {
		return Decision{}, false, nil
	}
	d, ok := c.lru.Get(decisionKey(subjectID, menuCode))
	if !ok || !d.Fresh(c.clock()) {
		return Decision{}, false, nil
	}
	return d, true, nil
}

// Put stores a decision.
func (c *LocalCache) Put(ctx context.Context, d Decision) error {
	if c == nil {
		return nil
	}
	c.lru.Add(decisionKey(d.SubjectID, d.MenuCode), d)
	return nil
}

// Invalidate drops one decision.
func (c *LocalCache) Invalidate(ctx context.Context, subjectID, menuCode string) error {
	if c == nil {
		return nil
	}
	c.lru.Remove(decisionKey(subjectID, menuCode))
	return nil
}

// InvalidateSubject drops every decision for the subject.
func (c *LocalCache) InvalidateSubject(ctx context.Context, subjectID string) error {
	if c == nil {
		return nil
	}
	prefix := decisionKey(subjectID, "")
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
	return nil
}

// Len returns the number of entries held.
func (c *LocalCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
