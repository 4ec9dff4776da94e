package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps decisions in Redis so every API replica shares them. A set
// per subject indexes its cached menus for subject-wide invalidation.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	clock  func() time.Time
}

// NewRedisCache instantiates the cache helper.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, clock: time.Now}
}

// Get loads a decision. Stale or missing entries report a miss.
func (c *RedisCache) Get(ctx context.Context, subjectID, menuCode string) (Decision, bool, error) {
	if c == nil || c.client == nil {
		return Decision{}, false, nil
	}
	payload, err := c.client.Get(ctx, decisionKey(subjectID, menuCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var d Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return Decision{}, false, err
	}
	if !d.Fresh(c.clock()) {
		return Decision{}, false, nil
	}
	return d, true, nil
}

// Put stores the decision until its ExpiresAt, capped at the cache TTL.
func (c *RedisCache) Put(ctx context.Context, d Decision) error {
	if c == nil || c.client == nil {
		return nil
	}
	ttl := d.ExpiresAt.Sub(c.clock())
	if ttl <= 0 {
		return nil
	}
	if ttl > c.ttl {
		ttl = c.ttl
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	index := subjectIndexKey(d.SubjectID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, decisionKey(d.SubjectID, d.MenuCode), raw, ttl)
		pipe.SAdd(ctx, index, d.MenuCode)
		pipe.Expire(ctx, index, c.ttl)
		return nil
	})
	return err
}

// Invalidate drops one decision.
func (c *RedisCache) Invalidate(ctx context.Context, subjectID, menuCode string) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, decisionKey(subjectID, menuCode))
		pipe.SRem(ctx, subjectIndexKey(subjectID), menuCode)
		return nil
	})
	return err
}

// InvalidateSubject drops every decision cached for the subject.
func (c *RedisCache) InvalidateSubject(ctx context.Context, subjectID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	index := subjectIndexKey(subjectID)
	menus, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(menus)+1)
	for _, menu := range menus {
		keys = append(keys, decisionKey(subjectID, menu))
	}
	keys = append(keys, index)
	return c.client.Del(ctx, keys...).Err()
}
