package delegation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/platform/db"
)

const columns = `delegation_id, delegator_id, delegate_id, menu_code,
	can_view, can_create, can_edit, can_delete, data_scope,
	start_at, end_at, reason, status, created_at, revoked_by, revoked_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepo struct {
	q querier
}

// WithTx wraps callback in a READ COMMITTED transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
	return db.MapError(err)
}

// Get loads one delegation.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Delegation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM delegations WHERE delegation_id = $1`, id)
	if err != nil {
		return Delegation{}, err
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDelegation)
	if err != nil {
		return Delegation{}, db.MapError(err)
	}
	return d, nil
}

// ActiveCandidates returns active rows for the delegate and menu, newest first,
// regardless of window.
func (r *PGRepository) ActiveCandidates(ctx context.Context, delegateID, menuCode string) ([]Delegation, error) {
	return r.collect(ctx, `SELECT `+columns+` FROM delegations
		WHERE delegate_id = $1 AND menu_code = $2 AND status = 'active'
		ORDER BY created_at DESC, delegation_id`, delegateID, menuCode)
}

// Expire flips the listed rows that are still active and past end_at.
func (r *PGRepository) Expire(ctx context.Context, ids []uuid.UUID, now time.Time) ([]Delegation, error) {
	return r.collect(ctx, `UPDATE delegations SET status = 'expired'
		WHERE delegation_id = ANY($1) AND status = 'active' AND end_at < $2
		RETURNING `+columns, ids, now)
}

// SweepExpired flips every active row past end_at.
func (r *PGRepository) SweepExpired(ctx context.Context, now time.Time) ([]Delegation, error) {
	return r.collect(ctx, `UPDATE delegations SET status = 'expired'
		WHERE status = 'active' AND end_at < $1
		RETURNING `+columns, now)
}

// Revoke flips an active row whose window has not ended to revoked. flipped
// is false when the row was not active any more or had already lapsed.
func (r *PGRepository) Revoke(ctx context.Context, id uuid.UUID, actor string, at time.Time) (Delegation, bool, error) {
	rows, err := r.collect(ctx, `UPDATE delegations SET status = 'revoked', revoked_by = $2, revoked_at = $3
		WHERE delegation_id = $1 AND status = 'active' AND end_at >= $3
		RETURNING `+columns, id, actor, at)
	if err != nil || len(rows) == 0 {
		return Delegation{}, false, err
	}
	return rows[0], true, nil
}

// List returns rows matching the filter, newest first.
func (r *PGRepository) List(ctx context.Context, f ListFilter) ([]Delegation, error) {
	return r.collect(ctx, `SELECT `+columns+` FROM delegations
		WHERE ($1 = '' OR delegator_id = $1)
		  AND ($2 = '' OR delegate_id = $2)
		  AND ($3 = '' OR menu_code = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY created_at DESC, delegation_id
		LIMIT $5`, f.DelegatorID, f.DelegateID, f.MenuCode, string(f.Status), f.Limit)
}

func (r *PGRepository) collect(ctx context.Context, sql string, args ...any) ([]Delegation, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.MapError(err)
	}
	out, err := pgx.CollectRows(rows, scanDelegation)
	if err != nil {
		return nil, db.MapError(err)
	}
	return out, nil
}

// LockTriple serialises creates for one delegator, delegate and menu until the
// transaction ends.
func (t *txRepo) LockTriple(ctx context.Context, delegatorID, delegateID, menuCode string) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		delegatorID+"\x00"+delegateID+"\x00"+menuCode)
	return err
}

// HasOverlap reports whether an active, not yet lapsed delegation for the same
// triple overlaps d's window.
func (t *txRepo) HasOverlap(ctx context.Context, d Delegation, now time.Time) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM delegations
		WHERE delegator_id = $1 AND delegate_id = $2 AND menu_code = $3
		  AND status = 'active' AND end_at >= $6
		  AND start_at < $5 AND $4 < end_at)`,
		d.DelegatorID, d.DelegateID, d.MenuCode, d.StartAt, d.EndAt, now).Scan(&exists)
	return exists, err
}

// Insert stores a new delegation.
func (t *txRepo) Insert(ctx context.Context, d Delegation) error {
	_, err := t.q.Exec(ctx, `INSERT INTO delegations (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.DelegatorID, d.DelegateID, d.MenuCode,
		d.Granted.View, d.Granted.Create, d.Granted.Edit, d.Granted.Delete, string(d.Granted.DataScope),
		d.StartAt, d.EndAt, d.Reason, string(d.Status), d.CreatedAt, d.RevokedBy, d.RevokedAt)
	return db.MapError(err)
}

func scanDelegation(row pgx.CollectableRow) (Delegation, error) {
	var (
		d      Delegation
		scope  string
		status string
	)
	err := row.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &d.MenuCode,
		&d.Granted.View, &d.Granted.Create, &d.Granted.Edit, &d.Granted.Delete, &scope,
		&d.StartAt, &d.EndAt, &d.Reason, &status, &d.CreatedAt, &d.RevokedBy, &d.RevokedAt)
	d.Granted.DataScope = grants.DataScope(scope)
	d.Status = Status(status)
	return d, err
}
