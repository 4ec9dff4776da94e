package delegation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/boardauthz/internal/audit"
	"github.com/odyssey-erp/boardauthz/internal/directory"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// ============================================================================
// MOCKS
// ============================================================================

type mockRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Delegation
}

func newMockRepository() *mockRepository {
	return &mockRepository{rows: map[uuid.UUID]Delegation{}}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &mockTx{repo: m, staged: nil}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, d := range tx.staged {
		m.rows[d.ID] = d
	}
	return nil
}

func (m *mockRepository) Get(ctx context.Context, id uuid.UUID) (Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return Delegation{}, shared.ErrNotFound
	}
	return d, nil
}

func (m *mockRepository) ActiveCandidates(ctx context.Context, delegateID, menuCode string) ([]Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delegation
	for _, d := range m.rows {
		if d.DelegateID == delegateID && d.MenuCode == menuCode && d.Status == StatusActive {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockRepository) flip(match func(Delegation) bool, to Status) []Delegation {
	var out []Delegation
	for id, d := range m.rows {
		if d.Status == StatusActive && match(d) {
			d.Status = to
			m.rows[id] = d
			out = append(out, d)
		}
	}
	return out
}

func (m *mockRepository) Expire(ctx context.Context, ids []uuid.UUID, now time.Time) ([]Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[uuid.UUID]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	return m.flip(func(d Delegation) bool { return wanted[d.ID] && d.EndAt.Before(now) }, StatusExpired), nil
}

func (m *mockRepository) SweepExpired(ctx context.Context, now time.Time) ([]Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flip(func(d Delegation) bool { return d.EndAt.Before(now) }, StatusExpired), nil
}

func (m *mockRepository) Revoke(ctx context.Context, id uuid.UUID, actor string, at time.Time) (Delegation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.Status != StatusActive || d.Lapsed(at) {
		return Delegation{}, false, nil
	}
	d.Status = StatusRevoked
	d.RevokedBy = &actor
	d.RevokedAt = &at
	m.rows[id] = d
	return d, true, nil
}

func (m *mockRepository) List(ctx context.Context, f ListFilter) ([]Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delegation
	for _, d := range m.rows {
		if (f.DelegateID == "" || d.DelegateID == f.DelegateID) && (f.Status == "" || d.Status == f.Status) {
			out = append(out, d)
		}
	}
	return out, nil
}

type mockTx struct {
	repo   *mockRepository
	staged []Delegation
}

func (t *mockTx) LockTriple(ctx context.Context, delegatorID, delegateID, menuCode string) error {
	return nil
}

func (t *mockTx) HasOverlap(ctx context.Context, d Delegation, now time.Time) (bool, error) {
	for _, existing := range t.repo.rows {
		if existing.DelegatorID == d.DelegatorID && existing.DelegateID == d.DelegateID && existing.MenuCode == d.MenuCode &&
			existing.Status == StatusActive && !existing.EndAt.Before(now) &&
			existing.StartAt.Before(d.EndAt) && d.StartAt.Before(existing.EndAt) {
			return true, nil
		}
	}
	return false, nil
}

func (t *mockTx) Insert(ctx context.Context, d Delegation) error {
	t.staged = append(t.staged, d)
	return nil
}

type fakeDirectory struct {
	subjects map[string]directory.Subject
	admins   map[string]bool
	menus    map[string]bool
}

func (f fakeDirectory) Subject(ctx context.Context, id string) (directory.Subject, error) {
	s, ok := f.subjects[id]
	if !ok {
		return directory.Subject{}, shared.ErrNotFound
	}
	return s, nil
}

func (f fakeDirectory) Menu(ctx context.Context, code string) (directory.Menu, error) {
	active, ok := f.menus[code]
	if !ok {
		return directory.Menu{}, shared.ErrNotFound
	}
	return directory.Menu{Code: code, Active: active}, nil
}

func (f fakeDirectory) IsAdmin(ctx context.Context, subjectID string) (bool, error) {
	return f.admins[subjectID], nil
}

type fakeOwn map[string]grants.CapabilitySet

func (f fakeOwn) ResolveOwn(ctx context.Context, subjectID, menuCode string) (grants.CapabilitySet, error) {
	if caps, ok := f[subjectID+"/"+menuCode]; ok {
		return caps, nil
	}
	return grants.DefaultDeny(), nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(ctx context.Context, entry audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAuditor) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.ActionKind == kind {
			n++
		}
	}
	return n
}

var baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	manager *Manager
	repo    *mockRepository
	auditor *recordingAuditor
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := fakeDirectory{
		subjects: map[string]directory.Subject{
			"A":    {ID: "A", Active: true},
			"B":    {ID: "B", Active: true},
			"C":    {ID: "C", Active: true},
			"gone": {ID: "gone", Active: false},
			"root": {ID: "root", Active: true},
		},
		admins: map[string]bool{"root": true},
		menus:  map[string]bool{"accident": true, "sop": true, "retired": false},
	}
	own := fakeOwn{
		"A/accident": {Capabilities: grants.Capabilities{View: true, Edit: true}, DataScope: grants.ScopeDepartment},
	}
	repo := newMockRepository()
	auditor := &recordingAuditor{}
	f := &fixture{repo: repo, auditor: auditor, now: baseTime}
	f.manager = NewManager(repo, dir, own, auditor, nil)
	f.manager.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) request(caps grants.Capabilities) CreateRequest {
	return CreateRequest{
		DelegatorID: "A",
		DelegateID:  "B",
		MenuCode:    "accident",
		Caps:        grants.CapabilitySet{Capabilities: caps},
		StartAt:     f.now,
		EndAt:       f.now.Add(48 * time.Hour),
		Reason:      "leave",
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateWithinBoundsSucceeds(t *testing.T) {
	f := newFixture(t)
	d, err := f.manager.Create(context.Background(), f.request(grants.Capabilities{View: true, Edit: true}))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, d.Status)
	assert.Equal(t, grants.ScopeDepartment, d.Granted.DataScope)
	assert.NotEqual(t, uuid.Nil, d.ID)

	stored, err := f.repo.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Granted, stored.Granted)
}

func TestCreateExceedingOwnGrantFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), f.request(grants.Capabilities{View: true, Edit: true, Delete: true}))
	require.ErrorIs(t, err, shared.ErrInsufficientGrantToDelegate)
	assert.Contains(t, err.Error(), "delete")
	assert.Empty(t, f.repo.rows)
}

func TestCreateWiderDataScopeFails(t *testing.T) {
	f := newFixture(t)
	req := f.request(grants.Capabilities{View: true})
	req.Caps.DataScope = grants.ScopeCompany
	_, err := f.manager.Create(context.Background(), req)
	assert.ErrorIs(t, err, shared.ErrInsufficientGrantToDelegate)
}

func TestCreateByInactiveDelegatorHoldsNothing(t *testing.T) {
	f := newFixture(t)
	req := f.request(grants.Capabilities{View: true})
	req.DelegatorID = "gone"
	_, err := f.manager.Create(context.Background(), req)
	assert.ErrorIs(t, err, shared.ErrInsufficientGrantToDelegate)
}

func TestChainedDelegationIsRefused(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), f.request(grants.Capabilities{View: true}))
	require.NoError(t, err)

	// B only holds accident via delegation; ResolveOwn ignores it.
	req := f.request(grants.Capabilities{View: true})
	req.DelegatorID, req.DelegateID = "B", "C"
	_, err = f.manager.Create(context.Background(), req)
	assert.ErrorIs(t, err, shared.ErrInsufficientGrantToDelegate)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(*CreateRequest){
		"self":          func(r *CreateRequest) { r.DelegateID = "A" },
		"no caps":       func(r *CreateRequest) { r.Caps = grants.CapabilitySet{} },
		"end before":    func(r *CreateRequest) { r.EndAt = r.StartAt },
		"past window":   func(r *CreateRequest) { r.StartAt, r.EndAt = f.now.Add(-72*time.Hour), f.now.Add(-time.Hour) },
		"bad scope":     func(r *CreateRequest) { r.Caps.DataScope = "galaxy" },
		"inactive dest": func(r *CreateRequest) { r.DelegateID = "gone" },
	}
	for name, mutate := range cases {
		req := f.request(grants.Capabilities{View: true})
		mutate(&req)
		_, err := f.manager.Create(ctx, req)
		assert.ErrorIs(t, err, shared.ErrValidation, name)
	}

	req := f.request(grants.Capabilities{View: true})
	req.DelegateID = "nobody"
	_, err := f.manager.Create(ctx, req)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	req = f.request(grants.Capabilities{View: true})
	req.MenuCode = "retired"
	_, err = f.manager.Create(ctx, req)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateOverlappingIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Create(ctx, f.request(grants.Capabilities{View: true}))
	require.NoError(t, err)

	overlapping := f.request(grants.Capabilities{Edit: true})
	overlapping.StartAt = f.now.Add(24 * time.Hour)
	overlapping.EndAt = f.now.Add(96 * time.Hour)
	_, err = f.manager.Create(ctx, overlapping)
	assert.ErrorIs(t, err, shared.ErrDuplicateDelegation)

	later := f.request(grants.Capabilities{Edit: true})
	later.StartAt = f.now.Add(48 * time.Hour)
	later.EndAt = f.now.Add(96 * time.Hour)
	_, err = f.manager.Create(ctx, later)
	assert.NoError(t, err)
}

func TestActiveForLazilyExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.manager.Create(ctx, f.request(grants.Capabilities{View: true}))
	require.NoError(t, err)

	got, err := f.manager.ActiveFor(ctx, "B", "accident", f.now.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)

	// Past end_at but not yet swept: still active in storage, yet never returned.
	past := d.EndAt.Add(time.Minute)
	got, err = f.manager.ActiveFor(ctx, "B", "accident", past)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, _ := f.repo.Get(ctx, d.ID)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.Equal(t, 1, f.auditor.count(audit.KindDelegationExpire))

	flipped, err := f.manager.SweepExpired(ctx, past)
	require.NoError(t, err)
	assert.Empty(t, flipped)
	assert.Equal(t, 1, f.auditor.count(audit.KindDelegationExpire))
}

func TestActiveForIgnoresFutureWindow(t *testing.T) {
	f := newFixture(t)
	req := f.request(grants.Capabilities{View: true})
	req.StartAt = f.now.Add(time.Hour)
	_, err := f.manager.Create(context.Background(), req)
	require.NoError(t, err)

	got, err := f.manager.ActiveFor(context.Background(), "B", "accident", f.now)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSweepIsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		req := f.request(grants.Capabilities{View: true})
		req.StartAt = f.now.Add(time.Duration(i) * 10 * time.Hour)
		req.EndAt = req.StartAt.Add(5 * time.Hour)
		_, err := f.manager.Create(ctx, req)
		require.NoError(t, err)
	}

	sweepAt := f.now.Add(100 * time.Hour)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flipped, err := f.manager.SweepExpired(ctx, sweepAt)
			assert.NoError(t, err)
			mu.Lock()
			total += len(flipped)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, total)
	assert.Equal(t, 5, f.auditor.count(audit.KindDelegationExpire))
}

func TestRevokeRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.manager.Create(ctx, f.request(grants.Capabilities{View: true}))
	require.NoError(t, err)

	_, _, err = f.manager.Revoke(ctx, d.ID, "B")
	assert.ErrorIs(t, err, shared.ErrForbidden)

	_, _, err = f.manager.Revoke(ctx, uuid.New(), "A")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	revoked, changed, err := f.manager.Revoke(ctx, d.ID, "A")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedBy)
	assert.Equal(t, "A", *revoked.RevokedBy)

	_, changed, err = f.manager.Revoke(ctx, d.ID, "root")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := f.manager.ActiveFor(ctx, "B", "accident", f.now)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRevokeByAdminAndExpiredIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.manager.Create(ctx, f.request(grants.Capabilities{View: true}))
	require.NoError(t, err)

	_, err = f.manager.SweepExpired(ctx, d.EndAt.Add(time.Second))
	require.NoError(t, err)

	_, _, err = f.manager.Revoke(ctx, d.ID, "root")
	assert.ErrorIs(t, err, shared.ErrValidation)

	other, err := f.manager.Create(ctx, f.request(grants.Capabilities{Edit: true}))
	require.NoError(t, err)
	_, changed, err := f.manager.Revoke(ctx, other.ID, "root")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRevokeOfLapsedActiveRowExpiresIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.manager.Create(ctx, f.request(grants.Capabilities{View: true}))
	require.NoError(t, err)

	// Nothing has swept the row yet.
	f.now = d.EndAt.Add(time.Minute)
	_, changed, err := f.manager.Revoke(ctx, d.ID, "A")
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Contains(t, err.Error(), "expired")
	assert.False(t, changed)

	stored, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.Nil(t, stored.RevokedBy)
	assert.Equal(t, 1, f.auditor.count(audit.KindDelegationExpire))

	_, _, err = f.manager.Revoke(ctx, d.ID, "root")
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Equal(t, 1, f.auditor.count(audit.KindDelegationExpire))
}

func TestListClampsLimit(t *testing.T) {
	f := newFixture(t)
	spy := &listSpy{mockRepository: f.repo}
	f.manager.repo = spy
	_, err := f.manager.List(context.Background(), ListFilter{Limit: 10_000, DelegateID: " B "})
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, spy.last.Limit)
	assert.Equal(t, "B", spy.last.DelegateID)
}

type listSpy struct {
	*mockRepository
	last ListFilter
}

func (s *listSpy) List(ctx context.Context, f ListFilter) ([]Delegation, error) {
	s.last = f
	return s.mockRepository.List(ctx, f)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("Active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s)
	_, err = ParseStatus("pending")
	assert.True(t, errors.Is(err, shared.ErrValidation))
}
