package hierarchy

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/boardauthz/internal/platform/db"
)

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Load returns every department row.
func (r *PGRepository) Load(ctx context.Context) ([]Department, error) {
	rows, err := r.pool.Query(ctx, loadDepartmentsSQL)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanDepartment)
}

const loadDepartmentsSQL = `SELECT dept_id, parent_dept_id, name, level, path, inherit_enabled
	FROM departments ORDER BY level, dept_id`

func scanDepartment(row pgx.CollectableRow) (Department, error) {
	var d Department
	err := row.Scan(&d.ID, &d.ParentID, &d.Name, &d.Level, &d.Path, &d.InheritEnabled)
	return d, err
}

// Sync runs apply against the stored rows and upserts its result in one
// transaction. The table lock blocks concurrent syncs from other replicas but
// not readers; parent references are checked at commit so rows may arrive in
// any order.
func (r *PGRepository) Sync(ctx context.Context, apply func(stored []Department) ([]Department, error)) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE departments IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, loadDepartmentsSQL)
		if err != nil {
			return err
		}
		stored, err := pgx.CollectRows(rows, scanDepartment)
		if err != nil {
			return err
		}
		depts, err := apply(stored)
		if err != nil || len(depts) == 0 {
			return err
		}
		batch := &pgx.Batch{}
		for _, d := range depts {
			batch.Queue(`INSERT INTO departments (dept_id, parent_dept_id, name, level, path, inherit_enabled, synced_at)
				VALUES ($1, $2, $3, $4, $5, $6, NOW())
				ON CONFLICT (dept_id) DO UPDATE SET
					parent_dept_id = EXCLUDED.parent_dept_id,
					name = EXCLUDED.name,
					level = EXCLUDED.level,
					path = EXCLUDED.path,
					inherit_enabled = EXCLUDED.inherit_enabled,
					synced_at = EXCLUDED.synced_at`,
				d.ID, d.ParentID, d.Name, d.Level, d.Path, d.InheritEnabled)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return db.MapError(err)
}
