package permcache

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const invalidationChannel = "authz.invalidate"

// Tiered puts a LocalCache in front of a shared cache. Invalidations are
// broadcast over Redis pub/sub so other replicas drop their local copies.
type Tiered struct {
	local  *LocalCache
	remote Cache
	client *redis.Client
	logger *slog.Logger
}

// NewTiered combines both tiers. client may be nil, in which case other
// replicas rely on the local TTL alone.
func NewTiered(local *LocalCache, remote Cache, client *redis.Client, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{local: local, remote: remote, client: client, logger: logger}
}

// Get serves from the local tier first and back-fills it on a remote hit.
func (t *Tiered) Get(ctx context.Context, subjectID, menuCode string) (Decision, bool, error) {
	if d, ok, _ := t.local.Get(ctx, subjectID, menuCode); ok {
		return d, true, nil
	}
	d, ok, err := t.remote.Get(ctx, subjectID, menuCode)
	if err != nil || !ok {
		return Decision{}, false, err
	}
	_ = t.local.Put(ctx, d)
	return d, true, nil
}

// Put writes both tiers.
func (t *Tiered) Put(ctx context.Context, d Decision) error {
	_ = t.local.Put(ctx, d)
	return t.remote.Put(ctx, d)
}

// Invalidate drops one decision from both tiers and notifies other replicas.
func (t *Tiered) Invalidate(ctx context.Context, subjectID, menuCode string) error {
	_ = t.local.Invalidate(ctx, subjectID, menuCode)
	err := t.remote.Invalidate(ctx, subjectID, menuCode)
	return errors.Join(err, t.publish(ctx, subjectID, menuCode))
}

// InvalidateSubject drops the subject from both tiers and notifies other replicas.
func (t *Tiered) InvalidateSubject(ctx context.Context, subjectID string) error {
	_ = t.local.InvalidateSubject(ctx, subjectID)
	err := t.remote.InvalidateSubject(ctx, subjectID)
	return errors.Join(err, t.publish(ctx, subjectID, ""))
}

func (t *Tiered) publish(ctx context.Context, subjectID, menuCode string) error {
	if t.client == nil {
		return nil
	}
	return t.client.Publish(ctx, invalidationChannel, subjectID+"\x00"+menuCode).Err()
}

// ListenForInvalidation subscribes to invalidations published by other
// replicas and applies them to the local tier until ctx is done.
func (t *Tiered) ListenForInvalidation(ctx context.Context) error {
	if t.client == nil || t.local == nil {
		return nil
	}
	pubsub := t.client.Subscribe(ctx, invalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				t.apply(ctx, msg.Payload)
			}
		}
	}()
	return nil
}

func (t *Tiered) apply(ctx context.Context, payload string) {
	subjectID, menuCode, ok := strings.Cut(payload, "\x00")
	if !ok || subjectID == "" {
		t.logger.Warn("malformed cache invalidation", slog.String("payload", payload))
		return
	}
	if menuCode == "" {
		_ = t.local.InvalidateSubject(ctx, subjectID)
		return
	}
	_ = t.local.Invalidate(ctx, subjectID, menuCode)
}
