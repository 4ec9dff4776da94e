package grants

import (
	"context"
	"errors"
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type grantKey struct {
	kind  ScopeKind
	scope string
	menu  string
}

type mockRepository struct {
	rows   map[grantKey]Grant
	scopes map[ScopeKind]map[string]bool
	menus  map[string]bool
	keys   map[string]bool

	// Error injection
	conflicts int
	txCalls   int
	failAfter int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		rows: make(map[grantKey]Grant),
		scopes: map[ScopeKind]map[string]bool{
			KindPersonal:   {"E100": true, "E200": true, "E300": true},
			KindRole:       {"staff": true, "manager": true},
			KindDepartment: {"D1": true, "D2": true},
		},
		menus: map[string]bool{"accident": true, "sop": true, "change_request": true},
		keys:  map[string]bool{},
	}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txCalls++
	if m.conflicts > 0 {
		m.conflicts--
		return shared.ErrGrantConflict
	}
	staged := &mockTx{mock: m, rows: make(map[grantKey]Grant, len(m.rows)), keys: maps.Clone(m.keys)}
	for k, v := range m.rows {
		staged.rows[k] = v
	}
	if err := fn(ctx, staged); err != nil {
		return err
	}
	m.rows = staged.rows
	m.keys = staged.keys
	return nil
}

func (m *mockRepository) List(ctx context.Context, kind ScopeKind, scopeID string) ([]Grant, error) {
	return listRows(m.rows, kind, scopeID), nil
}

func (m *mockRepository) ListForScopes(ctx context.Context, kind ScopeKind, scopeIDs []string, menuCode string) ([]Grant, error) {
	var out []Grant
	for _, id := range scopeIDs {
		if g, ok := m.rows[grantKey{kind, id, menuCode}]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

type mockTx struct {
	mock   *mockRepository
	rows   map[grantKey]Grant
	keys   map[string]bool
	writes int
}

func (t *mockTx) ClaimKey(ctx context.Context, module, key string, at time.Time) (bool, error) {
	k := shared.IdempotencyKey(module, key)
	if t.keys[k] {
		return false, nil
	}
	t.keys[k] = true
	return true, nil
}

func (t *mockTx) ScopeExists(ctx context.Context, kind ScopeKind, scopeID string) (bool, error) {
	return t.mock.scopes[kind][scopeID], nil
}

func (t *mockTx) MenuExists(ctx context.Context, menuCode string) (bool, error) {
	return t.mock.menus[menuCode], nil
}

func (t *mockTx) Upsert(ctx context.Context, grant Grant) (bool, error) {
	t.writes++
	if t.mock.failAfter > 0 && t.writes > t.mock.failAfter {
		return false, errors.New("disk full")
	}
	key := grantKey{grant.Kind, grant.ScopeID, grant.MenuCode}
	_, existed := t.rows[key]
	t.rows[key] = grant
	return existed, nil
}

func (t *mockTx) Delete(ctx context.Context, kind ScopeKind, scopeID string, menuCode *string) (int64, error) {
	var removed int64
	for k := range t.rows {
		if k.kind == kind && k.scope == scopeID && (menuCode == nil || k.menu == *menuCode) {
			delete(t.rows, k)
			removed++
		}
	}
	return removed, nil
}

func (t *mockTx) List(ctx context.Context, kind ScopeKind, scopeID string) ([]Grant, error) {
	return listRows(t.rows, kind, scopeID), nil
}

func listRows(rows map[grantKey]Grant, kind ScopeKind, scopeID string) []Grant {
	var out []Grant
	for k, g := range rows {
		if k.kind == kind && k.scope == scopeID {
			out = append(out, g)
		}
	}
	return out
}

func viewEdit(scope DataScope) CapabilitySet {
	return CapabilitySet{Capabilities: Capabilities{View: true, Edit: true}, DataScope: scope}
}

// ============================================================================
// TESTS
// ============================================================================

func TestUpsertOverwritesInPlace(t *testing.T) {
	repo := newMockRepository()
	store := NewStore(repo)
	ctx := context.Background()

	updated, err := store.Upsert(ctx, KindPersonal, "E100", "accident", viewEdit(ScopeOwn))
	require.NoError(t, err)
	assert.False(t, updated)

	later := CapabilitySet{Capabilities: Capabilities{View: true, Delete: true}, DataScope: ScopeCompany}
	updated, err = store.Upsert(ctx, KindPersonal, "E100", "ACCIDENT", later)
	require.NoError(t, err)
	assert.True(t, updated)

	rows, err := store.ListFor(ctx, KindPersonal, "E100")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, later, rows[0].Caps)
}

func TestUpsertTwiceEqualsSingleUpsert(t *testing.T) {
	ctx := context.Background()
	first := viewEdit(ScopeOwn)
	second := viewEdit(ScopeAll)

	twice := newMockRepository()
	_, err := NewStore(twice).Upsert(ctx, KindRole, "staff", "sop", first)
	require.NoError(t, err)
	_, err = NewStore(twice).Upsert(ctx, KindRole, "staff", "sop", second)
	require.NoError(t, err)

	once := newMockRepository()
	_, err = NewStore(once).Upsert(ctx, KindRole, "staff", "sop", second)
	require.NoError(t, err)

	a, _ := twice.List(ctx, KindRole, "staff")
	b, _ := once.List(ctx, KindRole, "staff")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, b[0].Caps, a[0].Caps)
}

func TestUpsertValidation(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	_, err := store.Upsert(ctx, "team", "E100", "accident", viewEdit(ScopeOwn))
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = store.Upsert(ctx, KindPersonal, "E100", "accident", CapabilitySet{DataScope: "galaxy"})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = store.Upsert(ctx, KindPersonal, "nobody", "accident", viewEdit(ScopeOwn))
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = store.Upsert(ctx, KindPersonal, "E100", "payroll", viewEdit(ScopeOwn))
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpsertDefaultsEmptyDataScopeToOwn(t *testing.T) {
	repo := newMockRepository()
	store := NewStore(repo)
	_, err := store.Upsert(context.Background(), KindDepartment, "D1", "sop", CapabilitySet{Capabilities: Capabilities{View: true}})
	require.NoError(t, err)
	g, err := store.DepartmentGrants(context.Background(), []string{"D1"}, "sop")
	require.NoError(t, err)
	assert.Equal(t, ScopeOwn, g["D1"].Caps.DataScope)
}

func TestConflictRetriedOnce(t *testing.T) {
	repo := newMockRepository()
	repo.conflicts = 1
	store := NewStore(repo)

	_, err := store.Upsert(context.Background(), KindPersonal, "E100", "accident", viewEdit(ScopeOwn))
	require.NoError(t, err)
	assert.Equal(t, 2, repo.txCalls)
}

func TestConflictSurfacesAfterSingleRetry(t *testing.T) {
	repo := newMockRepository()
	repo.conflicts = 2
	store := NewStore(repo)

	_, err := store.Upsert(context.Background(), KindPersonal, "E100", "accident", viewEdit(ScopeOwn))
	assert.ErrorIs(t, err, shared.ErrGrantConflict)
	assert.Equal(t, 2, repo.txCalls)
}

func TestRevokeIsIdempotent(t *testing.T) {
	repo := newMockRepository()
	store := NewStore(repo)
	ctx := context.Background()
	_, err := store.Upsert(ctx, KindPersonal, "E100", "accident", viewEdit(ScopeOwn))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, KindPersonal, "E100", "sop", viewEdit(ScopeOwn))
	require.NoError(t, err)

	menu := "accident"
	removed, err := store.Revoke(ctx, KindPersonal, "E100", &menu)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = store.Revoke(ctx, KindPersonal, "E100", &menu)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = store.Revoke(ctx, KindPersonal, "E100", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestCopyFromEmptySourceFails(t *testing.T) {
	store := NewStore(newMockRepository())
	_, err := store.Copy(context.Background(), KindPersonal, "E100", []string{"E200"})
	assert.ErrorIs(t, err, shared.ErrNoGrantsFound)
}

func TestCopyDuplicatesEveryGrant(t *testing.T) {
	repo := newMockRepository()
	store := NewStore(repo)
	ctx := context.Background()
	_, err := store.Upsert(ctx, KindPersonal, "E100", "accident", viewEdit(ScopeDepartment))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, KindPersonal, "E100", "sop", viewEdit(ScopeOwn))
	require.NoError(t, err)

	copied, err := store.Copy(ctx, KindPersonal, "E100", []string{"E200", "E300", "E200", "E100"})
	require.NoError(t, err)
	assert.Equal(t, 4, copied)

	rows, err := store.ListFor(ctx, KindPersonal, "E300")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCopyIsAllOrNothing(t *testing.T) {
	repo := newMockRepository()
	store := NewStore(repo)
	ctx := context.Background()
	_, err := store.Upsert(ctx, KindPersonal, "E100", "accident", viewEdit(ScopeOwn))
	require.NoError(t, err)

	_, err = store.Copy(ctx, KindPersonal, "E100", []string{"E200", "ghost"})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	rows, err := store.ListFor(ctx, KindPersonal, "E200")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []string{"b", "c"}, UniqueIDs([]string{" b", "a", "c", "b", ""}, "a"))
}

func TestClaimKeyIsReleasedOnRollback(t *testing.T) {
	repo := newMockRepository()
	store := NewStore(repo)
	ctx := context.Background()

	err := store.Mutate(ctx, func(ctx context.Context, tx *Tx) error {
		require.NoError(t, tx.ClaimKey(ctx, "req-1", "batch.grant"))
		_, err := tx.Upsert(ctx, KindPersonal, "ghost", "accident", viewEdit(ScopeOwn))
		return err
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, repo.keys)

	err = store.Mutate(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.ClaimKey(ctx, "req-1", "batch.grant")
	})
	require.NoError(t, err)

	err = store.Mutate(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.ClaimKey(ctx, "req-1", "batch.grant")
	})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	err = store.Mutate(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.ClaimKey(ctx, "", "batch.grant")
	})
	require.NoError(t, err)
}
