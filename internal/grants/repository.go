package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/boardauthz/internal/platform/db"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// tables maps each scope kind to its grant table and the table holding its scope ids.
var tables = map[ScopeKind]struct {
	grants string
	scopes string
	key    string
}{
	KindPersonal:   {grants: "personal_grants", scopes: "subjects", key: "subject_id"},
	KindRole:       {grants: "role_grants", scopes: "roles", key: "role_code"},
	KindDepartment: {grants: "department_grants", scopes: "departments", key: "dept_id"},
}

// PGRepository provides PostgreSQL backed grant persistence.
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

// List returns every grant of a scope.
func (r *PGRepository) List(ctx context.Context, kind ScopeKind, scopeID string) ([]Grant, error) {
	return listGrants(ctx, r.pool, kind, scopeID)
}

// ListForScopes returns the menu grants held by any of the scope ids.
func (r *PGRepository) ListForScopes(ctx context.Context, kind ScopeKind, scopeIDs []string, menuCode string) ([]Grant, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("grants: unknown scope kind %q", kind)
	}
	rows, err := r.pool.Query(ctx, `SELECT scope_id, menu_code, can_view, can_create, can_edit, can_delete, data_scope, updated_at
		FROM `+t.grants+` WHERE scope_id = ANY($1) AND menu_code = $2`, scopeIDs, menuCode)
	if err != nil {
		return nil, err
	}
	return scanGrants(rows, kind)
}

func (t *txRepo) ScopeExists(ctx context.Context, kind ScopeKind, scopeID string) (bool, error) {
	tbl, ok := tables[kind]
	if !ok {
		return false, fmt.Errorf("grants: unknown scope kind %q", kind)
	}
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+tbl.scopes+` WHERE `+tbl.key+` = $1)`, scopeID).Scan(&exists)
	return exists, err
}

func (t *txRepo) MenuExists(ctx context.Context, menuCode string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM menus WHERE menu_code = $1 AND active)`, menuCode).Scan(&exists)
	return exists, err
}

func (t *txRepo) Upsert(ctx context.Context, grant Grant) (bool, error) {
	tbl, ok := tables[grant.Kind]
	if !ok {
		return false, fmt.Errorf("grants: unknown scope kind %q", grant.Kind)
	}
	var updated bool
	err := t.q.QueryRow(ctx, `INSERT INTO `+tbl.grants+` (scope_id, menu_code, can_view, can_create, can_edit, can_delete, data_scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope_id, menu_code) DO UPDATE SET
			can_view = EXCLUDED.can_view,
			can_create = EXCLUDED.can_create,
			can_edit = EXCLUDED.can_edit,
			can_delete = EXCLUDED.can_delete,
			data_scope = EXCLUDED.data_scope,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax <> 0)`,
		grant.ScopeID, grant.MenuCode,
		grant.Caps.View, grant.Caps.Create, grant.Caps.Edit, grant.Caps.Delete,
		string(grant.Caps.DataScope), grant.UpdatedAt,
	).Scan(&updated)
	if err != nil {
		return false, db.MapError(err)
	}
	return updated, nil
}

func (t *txRepo) Delete(ctx context.Context, kind ScopeKind, scopeID string, menuCode *string) (int64, error) {
	tbl, ok := tables[kind]
	if !ok {
		return 0, fmt.Errorf("grants: unknown scope kind %q", kind)
	}
	var (
		tag pgconn.CommandTag
		err error
	)
	if menuCode == nil {
		tag, err = t.q.Exec(ctx, `DELETE FROM `+tbl.grants+` WHERE scope_id = $1`, scopeID)
	} else {
		tag, err = t.q.Exec(ctx, `DELETE FROM `+tbl.grants+` WHERE scope_id = $1 AND menu_code = $2`, scopeID, *menuCode)
	}
	if err != nil {
		return 0, db.MapError(err)
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) List(ctx context.Context, kind ScopeKind, scopeID string) ([]Grant, error) {
	return listGrants(ctx, t.q, kind, scopeID)
}

func (t *txRepo) ClaimKey(ctx context.Context, module, key string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`, shared.IdempotencyKey(module, key), module, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func listGrants(ctx context.Context, q querier, kind ScopeKind, scopeID string) ([]Grant, error) {
	tbl, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("grants: unknown scope kind %q", kind)
	}
	rows, err := q.Query(ctx, `SELECT scope_id, menu_code, can_view, can_create, can_edit, can_delete, data_scope, updated_at
		FROM `+tbl.grants+` WHERE scope_id = $1 ORDER BY menu_code`, scopeID)
	if err != nil {
		return nil, err
	}
	return scanGrants(rows, kind)
}

func scanGrants(rows pgx.Rows, kind ScopeKind) ([]Grant, error) {
	defer rows.Close()
	var out []Grant
	for rows.Next() {
		var (
			g         Grant
			scope     string
			updatedAt time.Time
		)
		if err := rows.Scan(&g.ScopeID, &g.MenuCode, &g.Caps.View, &g.Caps.Create, &g.Caps.Edit, &g.Caps.Delete, &scope, &updatedAt); err != nil {
			return nil, err
		}
		g.Kind = kind
		g.Caps.DataScope = DataScope(scope)
		g.UpdatedAt = updatedAt
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
