package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict indicates the request key was already processed.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// IdempotencyKey namespaces a client request key by module.
func IdempotencyKey(module, key string) string {
	return module + ":" + key
}

// IdempotencyStore maintains processed request keys. Keys are claimed by the
// transaction they guard; the store only expires them.
type IdempotencyStore struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, clock: time.Now}
}

// Cleanup removes keys older than retention and reports how many went.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.clock().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
