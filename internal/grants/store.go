package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// Repository abstracts grant persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	List(ctx context.Context, kind ScopeKind, scopeID string) ([]Grant, error)
	ListForScopes(ctx context.Context, kind ScopeKind, scopeIDs []string, menuCode string) ([]Grant, error)
}

// TxRepository exposes the transactional grant operations.
type TxRepository interface {
	ScopeExists(ctx context.Context, kind ScopeKind, scopeID string) (bool, error)
	MenuExists(ctx context.Context, menuCode string) (bool, error)
	Upsert(ctx context.Context, grant Grant) (bool, error)
	Delete(ctx context.Context, kind ScopeKind, scopeID string, menuCode *string) (int64, error)
	List(ctx context.Context, kind ScopeKind, scopeID string) ([]Grant, error)
	// ClaimKey records a request key and reports false when it was already
	// recorded. The claim is released if the transaction rolls back.
	ClaimKey(ctx context.Context, module, key string, at time.Time) (bool, error)
}

// Store implements the grant store contract on top of a Repository.
type Store struct {
	repo  Repository
	clock func() time.Time
}

// NewStore constructs a Store.
func NewStore(repo Repository) *Store {
	return &Store{
		repo: repo,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Upsert writes or overwrites the grant for (kind, scopeID, menuCode) and
// reports whether an existing row was replaced.
func (s *Store) Upsert(ctx context.Context, kind ScopeKind, scopeID, menuCode string, caps CapabilitySet) (bool, error) {
	var updated bool
	err := s.Mutate(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		updated, err = tx.Upsert(ctx, kind, scopeID, menuCode, caps)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("grants: upsert: %w", err)
	}
	return updated, nil
}

// Revoke removes one grant, or every grant of the scope when menuCode is nil.
// Revoking a missing grant is a no-op.
func (s *Store) Revoke(ctx context.Context, kind ScopeKind, scopeID string, menuCode *string) (int, error) {
	var removed int
	err := s.Mutate(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		removed, err = tx.Revoke(ctx, kind, scopeID, menuCode)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("grants: revoke: %w", err)
	}
	return removed, nil
}

// Copy duplicates every grant of sourceID onto each target in one transaction.
func (s *Store) Copy(ctx context.Context, kind ScopeKind, sourceID string, targetIDs []string) (int, error) {
	var copied int
	err := s.Mutate(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		copied, err = tx.Copy(ctx, kind, sourceID, targetIDs)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("grants: copy: %w", err)
	}
	return copied, nil
}

// ListFor returns every grant held by the scope.
func (s *Store) ListFor(ctx context.Context, kind ScopeKind, scopeID string) ([]Grant, error) {
	if _, err := ParseScopeKind(string(kind)); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, kind, shared.NormalizeID(scopeID))
}

// Personal returns the subject's personal grant for the menu, or nil.
func (s *Store) Personal(ctx context.Context, subjectID, menuCode string) (*Grant, error) {
	rows, err := s.repo.ListForScopes(ctx, KindPersonal, []string{subjectID}, menuCode)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// DepartmentGrants returns the menu grants of the given departments keyed by department id.
func (s *Store) DepartmentGrants(ctx context.Context, deptIDs []string, menuCode string) (map[string]Grant, error) {
	if len(deptIDs) == 0 {
		return map[string]Grant{}, nil
	}
	rows, err := s.repo.ListForScopes(ctx, KindDepartment, deptIDs, menuCode)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Grant, len(rows))
	for _, row := range rows {
		out[row.ScopeID] = row
	}
	return out, nil
}

// RoleGrants returns the menu grants defined by any of the roles.
func (s *Store) RoleGrants(ctx context.Context, roleCodes []string, menuCode string) ([]Grant, error) {
	if len(roleCodes) == 0 {
		return nil, nil
	}
	return s.repo.ListForScopes(ctx, KindRole, roleCodes, menuCode)
}

// Mutate runs fn inside one transaction. A GrantConflict aborts the attempt and
// the whole transaction is retried exactly once.
func (s *Store) Mutate(ctx context.Context, fn func(context.Context, *Tx) error) error {
	run := func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, repo TxRepository) error {
			return fn(ctx, &Tx{repo: repo, now: s.clock()})
		})
	}
	err := run()
	if errors.Is(err, shared.ErrGrantConflict) {
		err = run()
	}
	return err
}

// Tx validates and applies grant mutations inside a transaction.
type Tx struct {
	repo TxRepository
	now  time.Time
}

// ClaimKey claims an idempotency key for module inside the transaction. An
// empty key is a no-op; a committed claim fails with ErrIdempotencyConflict.
func (t *Tx) ClaimKey(ctx context.Context, key, module string) error {
	if key == "" {
		return nil
	}
	claimed, err := t.repo.ClaimKey(ctx, module, key, t.now)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %s", shared.ErrIdempotencyConflict, key)
	}
	return nil
}

// Upsert validates the target and writes the grant.
func (t *Tx) Upsert(ctx context.Context, kind ScopeKind, scopeID, menuCode string, caps CapabilitySet) (bool, error) {
	grant, err := t.normalize(kind, scopeID, menuCode, caps)
	if err != nil {
		return false, err
	}
	if err := t.ensureScope(ctx, grant.Kind, grant.ScopeID); err != nil {
		return false, err
	}
	if err := t.ensureMenu(ctx, grant.MenuCode); err != nil {
		return false, err
	}
	return t.repo.Upsert(ctx, grant)
}

// Revoke deletes one or all grants of a scope.
func (t *Tx) Revoke(ctx context.Context, kind ScopeKind, scopeID string, menuCode *string) (int, error) {
	if _, err := ParseScopeKind(string(kind)); err != nil {
		return 0, err
	}
	scopeID = shared.NormalizeID(scopeID)
	if scopeID == "" {
		return 0, fmt.Errorf("%w: scope id required", shared.ErrValidation)
	}
	if err := t.ensureScope(ctx, kind, scopeID); err != nil {
		return 0, err
	}
	var menu *string
	if menuCode != nil {
		code := shared.NormalizeMenuCode(*menuCode)
		if code == "" {
			return 0, fmt.Errorf("%w: menu code required", shared.ErrValidation)
		}
		menu = &code
	}
	removed, err := t.repo.Delete(ctx, kind, scopeID, menu)
	return int(removed), err
}

// Copy upserts the source's grants onto every target.
func (t *Tx) Copy(ctx context.Context, kind ScopeKind, sourceID string, targetIDs []string) (int, error) {
	if _, err := ParseScopeKind(string(kind)); err != nil {
		return 0, err
	}
	sourceID = shared.NormalizeID(sourceID)
	if sourceID == "" {
		return 0, fmt.Errorf("%w: source id required", shared.ErrValidation)
	}
	targets := UniqueIDs(targetIDs, sourceID)
	if len(targets) == 0 {
		return 0, fmt.Errorf("%w: at least one target required", shared.ErrValidation)
	}
	if err := t.ensureScope(ctx, kind, sourceID); err != nil {
		return 0, err
	}
	source, err := t.repo.List(ctx, kind, sourceID)
	if err != nil {
		return 0, err
	}
	if len(source) == 0 {
		return 0, fmt.Errorf("%w: %s %s", shared.ErrNoGrantsFound, kind, sourceID)
	}
	copied := 0
	for _, target := range targets {
		if err := t.ensureScope(ctx, kind, target); err != nil {
			return 0, err
		}
		for _, grant := range source {
			grant.ScopeID = target
			grant.UpdatedAt = t.now
			if _, err := t.repo.Upsert(ctx, grant); err != nil {
				return 0, err
			}
			copied++
		}
	}
	return copied, nil
}

func (t *Tx) normalize(kind ScopeKind, scopeID, menuCode string, caps CapabilitySet) (Grant, error) {
	if _, err := ParseScopeKind(string(kind)); err != nil {
		return Grant{}, err
	}
	scopeID = shared.NormalizeID(scopeID)
	if scopeID == "" {
		return Grant{}, fmt.Errorf("%w: scope id required", shared.ErrValidation)
	}
	menuCode = shared.NormalizeMenuCode(menuCode)
	if menuCode == "" {
		return Grant{}, fmt.Errorf("%w: menu code required", shared.ErrValidation)
	}
	scope, err := ParseDataScope(string(caps.DataScope))
	if err != nil {
		return Grant{}, err
	}
	caps.DataScope = scope
	return Grant{Kind: kind, ScopeID: scopeID, MenuCode: menuCode, Caps: caps, UpdatedAt: t.now}, nil
}

func (t *Tx) ensureScope(ctx context.Context, kind ScopeKind, scopeID string) error {
	ok, err := t.repo.ScopeExists(ctx, kind, scopeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", shared.ErrNotFound, kind, scopeID)
	}
	return nil
}

func (t *Tx) ensureMenu(ctx context.Context, menuCode string) error {
	ok, err := t.repo.MenuExists(ctx, menuCode)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: menu %s", shared.ErrNotFound, menuCode)
	}
	return nil
}

// UniqueIDs trims, de-duplicates and drops empty ids and any id equal to exclude.
func UniqueIDs(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = shared.NormalizeID(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
