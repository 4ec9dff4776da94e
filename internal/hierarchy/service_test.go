package hierarchy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

type mockRepository struct {
	mu      sync.Mutex
	rows    map[string]Department
	upserts int
	failErr error
}

func (m *mockRepository) Load(ctx context.Context) ([]Department, error) {
	out := make([]Department, 0, len(m.rows))
	for _, d := range m.rows {
		out = append(out, d)
	}
	return out, nil
}

func (m *mockRepository) Sync(ctx context.Context, apply func(stored []Department) ([]Department, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, _ := m.Load(ctx)
	depts, err := apply(stored)
	if err != nil || len(depts) == 0 {
		return err
	}
	if m.failErr != nil {
		return m.failErr
	}
	m.upserts++
	for _, d := range depts {
		m.rows[d.ID] = d
	}
	return nil
}

type mockGrants map[string]map[string]grants.Grant

func (m mockGrants) DepartmentGrants(ctx context.Context, deptIDs []string, menuCode string) (map[string]grants.Grant, error) {
	out := map[string]grants.Grant{}
	for _, id := range deptIDs {
		if g, ok := m[id][menuCode]; ok {
			out[id] = g
		}
	}
	return out, nil
}

func (m mockGrants) give(dept, menu string, caps grants.Capabilities) {
	if m[dept] == nil {
		m[dept] = map[string]grants.Grant{}
	}
	m[dept][menu] = grants.Grant{
		Kind:     grants.KindDepartment,
		ScopeID:  dept,
		MenuCode: menu,
		Caps:     grants.CapabilitySet{Capabilities: caps, DataScope: grants.ScopeDepartment},
	}
}

func ptr(s string) *string { return &s }

func newService(t *testing.T, inputs ...DepartmentInput) (*Service, *mockRepository, mockGrants) {
	t.Helper()
	repo := &mockRepository{rows: map[string]Department{}}
	lookup := mockGrants{}
	svc := NewService(repo, lookup, nil)
	if len(inputs) > 0 {
		_, err := svc.Sync(context.Background(), inputs)
		require.NoError(t, err)
	}
	return svc, repo, lookup
}

// C is the root, B its child, A a leaf under B.
func chainABC(bInherits bool) []DepartmentInput {
	return []DepartmentInput{
		{ID: "A", ParentID: ptr("B"), InheritEnabled: true},
		{ID: "B", ParentID: ptr("C"), InheritEnabled: bInherits},
		{ID: "C", InheritEnabled: true},
	}
}

func TestSyncComputesPathAndLevel(t *testing.T) {
	svc, repo, _ := newService(t, chainABC(true)...)

	a, ok := svc.Snapshot().Get("A")
	require.True(t, ok)
	assert.Equal(t, []string{"C", "B", "A"}, a.Path)
	assert.Equal(t, 3, a.Level)
	assert.Len(t, repo.rows, 3)

	ancestors, err := svc.AncestorsOf("A")
	require.NoError(t, err)
	require.Len(t, ancestors, 3)
	assert.Equal(t, "A", ancestors[0].ID)
	assert.Equal(t, "C", ancestors[2].ID)
}

func TestClosestDepartmentGrantNearestWins(t *testing.T) {
	svc, _, lookup := newService(t, chainABC(true)...)
	lookup.give("C", "sop", grants.Capabilities{View: true, Edit: true})
	lookup.give("B", "sop", grants.Capabilities{View: true})

	dept, grant, found, err := svc.ClosestDepartmentGrant(context.Background(), "A", "sop")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B", dept.ID)
	assert.False(t, grant.Caps.Edit)
}

func TestClosestDepartmentGrantInheritsFromRoot(t *testing.T) {
	svc, _, lookup := newService(t, chainABC(true)...)
	lookup.give("C", "sop", grants.Capabilities{View: true})

	dept, _, found, err := svc.ClosestDepartmentGrant(context.Background(), "A", "sop")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "C", dept.ID)
}

func TestInheritanceBreakStopsWalk(t *testing.T) {
	svc, _, lookup := newService(t, chainABC(false)...)
	lookup.give("C", "sop", grants.Capabilities{View: true})

	_, _, found, err := svc.ClosestDepartmentGrant(context.Background(), "A", "sop")
	require.NoError(t, err)
	assert.False(t, found)

	// A grant on the breaking node itself still applies below it.
	lookup.give("B", "sop", grants.Capabilities{View: true, Create: true})
	dept, _, found, err := svc.ClosestDepartmentGrant(context.Background(), "A", "sop")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B", dept.ID)
}

func TestClosestDepartmentGrantUnknownDepartment(t *testing.T) {
	svc, _, _ := newService(t, chainABC(true)...)
	_, _, _, err := svc.ClosestDepartmentGrant(context.Background(), "Z", "sop")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSyncRejectsCycleAndKeepsSnapshot(t *testing.T) {
	svc, repo, _ := newService(t, chainABC(true)...)
	before := svc.Snapshot()

	_, err := svc.Sync(context.Background(), []DepartmentInput{
		{ID: "C", ParentID: ptr("A"), InheritEnabled: true},
	})
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Same(t, before, svc.Snapshot())
	assert.Equal(t, 1, repo.upserts)
}

func TestSyncRejectsUnknownParentAndDuplicates(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Sync(context.Background(), []DepartmentInput{{ID: "X", ParentID: ptr("nowhere")}})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Sync(context.Background(), []DepartmentInput{{ID: "X"}, {ID: " X "}})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestSyncReparentReportsMovedSubtree(t *testing.T) {
	svc, _, _ := newService(t,
		DepartmentInput{ID: "root", InheritEnabled: true},
		DepartmentInput{ID: "ops", ParentID: ptr("root"), InheritEnabled: true},
		DepartmentInput{ID: "field", ParentID: ptr("ops"), InheritEnabled: true},
		DepartmentInput{ID: "hq", ParentID: ptr("root"), InheritEnabled: true},
	)

	result, err := svc.Sync(context.Background(), []DepartmentInput{
		{ID: "ops", ParentID: ptr("hq"), InheritEnabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Upserted)
	assert.ElementsMatch(t, []string{"ops", "field"}, result.Changed)

	field, _ := svc.Snapshot().Get("field")
	assert.Equal(t, []string{"root", "hq", "ops", "field"}, field.Path)

	desc, err := svc.DescendantsOf("hq")
	require.NoError(t, err)
	assert.Equal(t, []string{"field", "hq", "ops"}, desc)
}

func TestSyncUnchangedIsNoop(t *testing.T) {
	svc, repo, _ := newService(t, chainABC(true)...)
	result, err := svc.Sync(context.Background(), chainABC(true))
	require.NoError(t, err)
	assert.Zero(t, result.Upserted)
	assert.Equal(t, 1, repo.upserts)
}

func TestSyncWriteFailureKeepsSnapshot(t *testing.T) {
	svc, repo, _ := newService(t, chainABC(true)...)
	before := svc.Snapshot()
	repo.failErr = errors.New("connection reset")

	_, err := svc.Sync(context.Background(), []DepartmentInput{{ID: "D", ParentID: ptr("C"), InheritEnabled: true}})
	require.Error(t, err)
	assert.Same(t, before, svc.Snapshot())
}

func TestReloadRebuildsFromStorage(t *testing.T) {
	_, repo, _ := newService(t, chainABC(true)...)
	fresh := NewService(repo, mockGrants{}, nil)
	require.NoError(t, fresh.Reload(context.Background()))
	assert.Equal(t, 3, fresh.Snapshot().Len())
}

func TestSyncValidatesAgainstStoredRowsNotSnapshot(t *testing.T) {
	ctx := context.Background()
	first, repo, _ := newService(t,
		DepartmentInput{ID: "A", InheritEnabled: true},
		DepartmentInput{ID: "B", InheritEnabled: true},
	)
	second := NewService(repo, mockGrants{}, nil)
	require.NoError(t, second.Reload(ctx))

	_, err := first.Sync(ctx, []DepartmentInput{{ID: "A", ParentID: ptr("B"), InheritEnabled: true}})
	require.NoError(t, err)

	// second still holds the snapshot where A is a root
	_, err = second.Sync(ctx, []DepartmentInput{{ID: "B", ParentID: ptr("A"), InheritEnabled: true}})
	require.ErrorIs(t, err, shared.ErrValidation)

	assert.Nil(t, repo.rows["B"].ParentID)
	fresh := NewService(repo, mockGrants{}, nil)
	require.NoError(t, fresh.Reload(ctx))
}

func TestSyncRefreshesStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	first, repo, _ := newService(t, DepartmentInput{ID: "HQ", InheritEnabled: true})
	second := NewService(repo, mockGrants{}, nil)
	require.NoError(t, second.Reload(ctx))

	_, err := first.Sync(ctx, []DepartmentInput{{ID: "OPS", ParentID: ptr("HQ"), InheritEnabled: true}})
	require.NoError(t, err)

	_, err = second.Sync(ctx, []DepartmentInput{{ID: "OPS-N", ParentID: ptr("OPS"), InheritEnabled: true}})
	require.NoError(t, err)
	chain, err := second.AncestorsOf("OPS-N")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "HQ", chain[2].ID)
}
