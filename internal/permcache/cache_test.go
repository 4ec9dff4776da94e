package permcache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/boardauthz/internal/grants"
)

var baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func decision(subject, menu string, view bool) Decision {
	return Decision{
		SubjectID:  subject,
		MenuCode:   menu,
		Resolved:   grants.CapabilitySet{Capabilities: grants.Capabilities{View: view}, DataScope: grants.ScopeDepartment},
		Source:     SourceRole,
		SourceID:   "R",
		ComputedAt: baseTime,
		ExpiresAt:  baseTime.Add(time.Minute),
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, client := newRedis(t)
	c := NewRedisCache(client, 5*time.Minute)
	c.clock = func() time.Time { return baseTime }
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "A", "accident")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, decision("A", "accident", true)))
	got, ok, err := c.Get(ctx, "A", "accident")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Resolved.View)
	require.Equal(t, SourceRole, got.Source)

	ttl := mr.TTL(decisionKey("A", "accident"))
	require.Equal(t, time.Minute, ttl)
	members, err := mr.Members(subjectIndexKey("A"))
	require.NoError(t, err)
	require.Equal(t, []string{"accident"}, members)
}

func TestRedisCacheTTLCappedByConfig(t *testing.T) {
	mr, client := newRedis(t)
	c := NewRedisCache(client, 10*time.Second)
	c.clock = func() time.Time { return baseTime }

	require.NoError(t, c.Put(context.Background(), decision("A", "accident", true)))
	require.Equal(t, 10*time.Second, mr.TTL(decisionKey("A", "accident")))
}

func TestRedisCacheSkipsExpiredDecisions(t *testing.T) {
	mr, client := newRedis(t)
	c := NewRedisCache(client, time.Minute)
	c.clock = func() time.Time { return baseTime.Add(2 * time.Minute) }

	require.NoError(t, c.Put(context.Background(), decision("A", "accident", true)))
	require.False(t, mr.Exists(decisionKey("A", "accident")))
}

func TestRedisCacheStaleEntryIsMiss(t *testing.T) {
	_, client := newRedis(t)
	c := NewRedisCache(client, time.Hour)
	now := baseTime
	c.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, decision("A", "accident", true)))
	now = baseTime.Add(time.Minute)
	_, ok, err := c.Get(ctx, "A", "accident")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCacheInvalidateSubject(t *testing.T) {
	mr, client := newRedis(t)
	c := NewRedisCache(client, time.Minute)
	c.clock = func() time.Time { return baseTime }
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, decision("A", "accident", true)))
	require.NoError(t, c.Put(ctx, decision("A", "claims", true)))
	require.NoError(t, c.Put(ctx, decision("B", "accident", true)))

	require.NoError(t, c.Invalidate(ctx, "A", "claims"))
	require.False(t, mr.Exists(decisionKey("A", "claims")))
	require.True(t, mr.Exists(decisionKey("A", "accident")))

	require.NoError(t, c.InvalidateSubject(ctx, "A"))
	require.False(t, mr.Exists(decisionKey("A", "accident")))
	require.False(t, mr.Exists(subjectIndexKey("A")))
	require.True(t, mr.Exists(decisionKey("B", "accident")))
}

func TestRedisCacheCorruptPayload(t *testing.T) {
	mr, client := newRedis(t)
	c := NewRedisCache(client, time.Minute)
	require.NoError(t, mr.Set(decisionKey("A", "accident"), "{not json"))

	_, _, err := c.Get(context.Background(), "A", "accident")
	require.Error(t, err)
}

func TestLocalCacheDisabledIsNoop(t *testing.T) {
	var c *LocalCache = NewLocalCache(0, time.Minute)
	require.Nil(t, c)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, decision("A", "accident", true)))
	_, ok, err := c.Get(ctx, "A", "accident")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestLocalCacheInvalidateSubjectKeepsOthers(t *testing.T) {
	c := NewLocalCache(16, time.Minute)
	c.clock = func() time.Time { return baseTime }
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, decision("E1", "accident", true)))
	require.NoError(t, c.Put(ctx, decision("E1", "claims", true)))
	require.NoError(t, c.Put(ctx, decision("E10", "accident", true)))

	require.NoError(t, c.InvalidateSubject(ctx, "E1"))
	require.Equal(t, 1, c.Len())
	_, ok, _ := c.Get(ctx, "E10", "accident")
	require.True(t, ok)
}

func TestTieredBackfillsLocal(t *testing.T) {
	_, client := newRedis(t)
	remote := NewRedisCache(client, time.Minute)
	remote.clock = func() time.Time { return baseTime }
	local := NewLocalCache(16, time.Minute)
	local.clock = func() time.Time { return baseTime }
	ctx := context.Background()

	require.NoError(t, remote.Put(ctx, decision("A", "accident", true)))
	tiered := NewTiered(local, remote, client, nil)

	got, ok, err := tiered.Get(ctx, "A", "accident")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Resolved.View)
	require.Equal(t, 1, local.Len())
}

func TestTieredInvalidationReachesOtherReplica(t *testing.T) {
	_, client := newRedis(t)
	remote := NewRedisCache(client, time.Minute)
	remote.clock = func() time.Time { return baseTime }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localA := NewLocalCache(16, time.Minute)
	localA.clock = func() time.Time { return baseTime }
	localB := NewLocalCache(16, time.Minute)
	localB.clock = func() time.Time { return baseTime }
	replicaA := NewTiered(localA, remote, client, nil)
	replicaB := NewTiered(localB, remote, client, nil)
	require.NoError(t, replicaB.ListenForInvalidation(ctx))

	require.NoError(t, replicaA.Put(ctx, decision("A", "accident", true)))
	_, ok, err := replicaB.Get(ctx, "A", "accident")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, localB.Len())

	require.NoError(t, replicaA.InvalidateSubject(ctx, "A"))
	require.Eventually(t, func() bool { return localB.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTieredApplyIgnoresMalformedPayload(t *testing.T) {
	local := NewLocalCache(4, time.Minute)
	local.clock = func() time.Time { return baseTime }
	require.NoError(t, local.Put(context.Background(), decision("A", "accident", true)))
	tiered := NewTiered(local, NewRedisCache(nil, time.Minute), nil, nil)

	tiered.apply(context.Background(), "garbage")
	require.Equal(t, 1, local.Len())
	tiered.apply(context.Background(), "A\x00accident")
	require.Zero(t, local.Len())
}

type recordingCache struct {
	mu       sync.Mutex
	menus    []string
	subjects []string
	err      error
}

func (r *recordingCache) Get(context.Context, string, string) (Decision, bool, error) {
	return Decision{}, false, nil
}

func (r *recordingCache) Put(context.Context, Decision) error { return nil }

func (r *recordingCache) Invalidate(_ context.Context, subjectID, menuCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.menus = append(r.menus, subjectID+"/"+menuCode)
	return r.err
}

func (r *recordingCache) InvalidateSubject(_ context.Context, subjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subjectID)
	return r.err
}

type fakeMembers struct {
	byRole map[string][]string
	byDept map[string][]string
	err    error
}

func (f fakeMembers) SubjectsWithRole(_ context.Context, role string) ([]string, error) {
	return f.byRole[role], f.err
}

func (f fakeMembers) SubjectsInDepartments(_ context.Context, depts []string) ([]string, error) {
	var out []string
	for _, d := range depts {
		out = append(out, f.byDept[d]...)
	}
	return out, f.err
}

type fakeSubtree map[string][]string

func (f fakeSubtree) DescendantsOf(id string) ([]string, error) {
	ids, ok := f[id]
	if !ok {
		return nil, errors.New("unknown department")
	}
	return ids, nil
}

func TestInvalidatorScopes(t *testing.T) {
	members := fakeMembers{
		byRole: map[string][]string{"R": {"A", "B", "A"}},
		byDept: map[string][]string{"D1": {"A"}, "D2": {"C"}, "D3": {"D"}},
	}
	tree := fakeSubtree{"D1": {"D1", "D2"}}
	ctx := context.Background()

	cache := &recordingCache{}
	inv := NewInvalidator(cache, members, tree, nil)
	require.Equal(t, 1, inv.Scope(ctx, grants.KindPersonal, "A", []string{"accident"}))
	require.Equal(t, []string{"A/accident"}, cache.menus)

	cache = &recordingCache{}
	inv = NewInvalidator(cache, members, tree, nil)
	require.Equal(t, 2, inv.Scope(ctx, grants.KindRole, "R", nil))
	require.Equal(t, []string{"A", "B"}, cache.subjects)

	cache = &recordingCache{}
	inv = NewInvalidator(cache, members, tree, nil)
	require.Equal(t, 2, inv.Scope(ctx, grants.KindDepartment, "D1", []string{"accident"}))
	sort.Strings(cache.menus)
	require.Equal(t, []string{"A/accident", "C/accident"}, cache.menus)
}

func TestInvalidatorSwallowsFailures(t *testing.T) {
	ctx := context.Background()
	cache := &recordingCache{err: errors.New("redis down")}
	inv := NewInvalidator(cache, fakeMembers{}, fakeSubtree{}, nil)

	require.Equal(t, 1, inv.Subjects(ctx, []string{"A"}, nil))
	require.Zero(t, inv.Scope(ctx, grants.KindDepartment, "missing", nil))
	require.Zero(t, inv.Departments(ctx, []string{"missing"}))
}
