package directory

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

// GetSubject returns a subject with its role codes.
func (r *PGRepository) GetSubject(ctx context.Context, id string) (Subject, error) {
	const query = `SELECT s.subject_id, s.name, s.kind, s.dept_id, s.active, s.updated_at,
		COALESCE(array_agg(sr.role_code ORDER BY sr.role_code) FILTER (WHERE sr.role_code IS NOT NULL), '{}')
		FROM subjects s
		LEFT JOIN subject_roles sr ON sr.subject_id = s.subject_id
		WHERE s.subject_id = $1
		GROUP BY s.subject_id`
	var (
		subject Subject
		kind    string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&subject.ID, &subject.Name, &kind, &subject.DepartmentID, &subject.Active, &subject.UpdatedAt, &subject.Roles,
	)
	if err != nil {
		return Subject{}, db.MapError(err)
	}
	subject.Kind = SubjectKind(kind)
	return subject, nil
}

// RolesByCodes returns the listed roles that exist.
func (r *PGRepository) RolesByCodes(ctx context.Context, codes []string) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_code, name, level, is_admin FROM roles WHERE role_code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Role, error) {
		var role Role
		err := row.Scan(&role.Code, &role.Name, &role.Level, &role.IsAdmin)
		return role, err
	})
}

// GetMenu returns one menu.
func (r *PGRepository) GetMenu(ctx context.Context, code string) (Menu, error) {
	var menu Menu
	err := r.pool.QueryRow(ctx, `SELECT menu_code, name, active FROM menus WHERE menu_code = $1`, code).
		Scan(&menu.Code, &menu.Name, &menu.Active)
	if err != nil {
		return Menu{}, db.MapError(err)
	}
	return menu, nil
}

// ListMenus returns menus ordered by code.
func (r *PGRepository) ListMenus(ctx context.Context, activeOnly bool) ([]Menu, error) {
	rows, err := r.pool.Query(ctx, `SELECT menu_code, name, active FROM menus WHERE ($1 = FALSE OR active) ORDER BY menu_code`, activeOnly)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Menu, error) {
		var menu Menu
		err := row.Scan(&menu.Code, &menu.Name, &menu.Active)
		return menu, err
	})
}

// SubjectsWithRole returns holders of the role.
func (r *PGRepository) SubjectsWithRole(ctx context.Context, roleCode string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT subject_id FROM subject_roles WHERE role_code = $1 ORDER BY subject_id`, roleCode)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SubjectsInDepartments returns members of any listed department.
func (r *PGRepository) SubjectsInDepartments(ctx context.Context, deptIDs []string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT subject_id FROM subjects WHERE dept_id = ANY($1) ORDER BY subject_id`, deptIDs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UpsertSubject writes the subject and replaces its role memberships in one transaction.
func (r *PGRepository) UpsertSubject(ctx context.Context, subject Subject) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO subjects (subject_id, name, kind, dept_id, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (subject_id) DO UPDATE SET
				name = EXCLUDED.name,
				kind = EXCLUDED.kind,
				dept_id = EXCLUDED.dept_id,
				active = EXCLUDED.active,
				updated_at = EXCLUDED.updated_at`,
			subject.ID, subject.Name, string(subject.Kind), subject.DepartmentID, subject.Active)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM subject_roles WHERE subject_id = $1`, subject.ID); err != nil {
			return err
		}
		for _, code := range subject.Roles {
			if _, err := tx.Exec(ctx, `INSERT INTO subject_roles (subject_id, role_code) VALUES ($1, $2)`, subject.ID, code); err != nil {
				return err
			}
		}
		return nil
	})
	return db.MapError(err)
}

// UpsertRole writes a role definition.
func (r *PGRepository) UpsertRole(ctx context.Context, role Role) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO roles (role_code, name, level, is_admin) VALUES ($1, $2, $3, $4)
		ON CONFLICT (role_code) DO UPDATE SET name = EXCLUDED.name, level = EXCLUDED.level, is_admin = EXCLUDED.is_admin`,
		role.Code, role.Name, role.Level, role.IsAdmin)
	return db.MapError(err)
}

// UpsertMenu writes a menu definition.
func (r *PGRepository) UpsertMenu(ctx context.Context, menu Menu) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO menus (menu_code, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (menu_code) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active`,
		menu.Code, menu.Name, menu.Active)
	return db.MapError(err)
}
