package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// Repository abstracts department persistence.
type Repository interface {
	Load(ctx context.Context) ([]Department, error)
	// Sync locks the department table, hands the stored rows to apply and
	// upserts whatever it returns, all in one transaction. An apply error
	// rolls back.
	Sync(ctx context.Context, apply func(stored []Department) ([]Department, error)) error
}

// GrantLookup fetches department grants for a menu.
type GrantLookup interface {
	DepartmentGrants(ctx context.Context, deptIDs []string, menuCode string) (map[string]grants.Grant, error)
}

// SyncResult reports what a directory sync changed.
type SyncResult struct {
	Upserted int `json:"upserted"`
	// Changed lists departments whose parent, path or inheritance flag moved;
	// members of these subtrees may resolve differently afterwards.
	Changed []string `json:"changed"`
}

// Service owns the in-memory department snapshot.
type Service struct {
	repo   Repository
	grants GrantLookup
	logger *slog.Logger

	mu   sync.Mutex
	tree atomic.Pointer[Tree]
}

// NewService constructs the hierarchy service with an empty snapshot. Call
// Reload before serving.
func NewService(repo Repository, lookup GrantLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, grants: lookup, logger: logger}
	empty, _ := NewTree(nil)
	s.tree.Store(empty)
	return s
}

// Snapshot returns the current tree.
func (s *Service) Snapshot() *Tree {
	return s.tree.Load()
}

// Reload rebuilds the snapshot from storage.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("hierarchy: load: %w", err)
	}
	tree, err := NewTree(rows)
	if err != nil {
		return fmt.Errorf("hierarchy: stored tree invalid: %w", err)
	}
	s.tree.Store(tree)
	s.logger.Info("department tree loaded", slog.Int("departments", tree.Len()))
	return nil
}

// AncestorsOf returns the chain from deptID to its root, nearest first.
func (s *Service) AncestorsOf(deptID string) ([]Department, error) {
	return s.Snapshot().AncestorsOf(shared.NormalizeID(deptID))
}

// DescendantsOf returns deptID and every department below it.
func (s *Service) DescendantsOf(deptID string) ([]string, error) {
	return s.Snapshot().DescendantsOf(shared.NormalizeID(deptID))
}

// ClosestDepartmentGrant walks from deptID towards the root and returns the
// first department holding a grant for menuCode. The walk ends after the first
// department that does not inherit from its parent. found is false when no
// reachable department defines the menu.
func (s *Service) ClosestDepartmentGrant(ctx context.Context, deptID, menuCode string) (Department, grants.Grant, bool, error) {
	chain, err := s.Snapshot().InheritanceChain(shared.NormalizeID(deptID))
	if err != nil {
		return Department{}, grants.Grant{}, false, err
	}
	ids := make([]string, len(chain))
	for i, dept := range chain {
		ids[i] = dept.ID
	}
	held, err := s.grants.DepartmentGrants(ctx, ids, menuCode)
	if err != nil {
		return Department{}, grants.Grant{}, false, fmt.Errorf("hierarchy: department grants: %w", err)
	}
	for _, dept := range chain {
		if grant, ok := held[dept.ID]; ok {
			return dept, grant, true, nil
		}
	}
	return Department{}, grants.Grant{}, false, nil
}

// Sync merges inputs into the stored forest, validates the result and
// persists every new or changed department in one transaction. The stored rows
// are read under the repository lock, so a stale snapshot on this replica
// cannot hide another replica's commit. Departments are never deleted. The
// snapshot is swapped only after the write commits.
func (s *Service) Sync(ctx context.Context, inputs []DepartmentInput) (SyncResult, error) {
	incoming, err := normalizeInputs(inputs)
	if err != nil {
		return SyncResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		next    *Tree
		dirty   []Department
		changed []string
	)
	err = s.repo.Sync(ctx, func(stored []Department) ([]Department, error) {
		current, err := NewTree(stored)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: stored tree invalid: %w", err)
		}
		next, err = NewTree(merge(current.All(), incoming))
		if err != nil {
			return nil, err
		}
		dirty, changed = nil, nil
		for _, dept := range next.All() {
			before, existed := current.Get(dept.ID)
			if existed && sameDepartment(before, dept) {
				continue
			}
			dirty = append(dirty, dept)
			if existed && structuralChange(before, dept) {
				changed = append(changed, dept.ID)
			}
		}
		return dirty, nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrValidation) {
			return SyncResult{}, err
		}
		return SyncResult{}, fmt.Errorf("hierarchy: sync: %w", err)
	}

	s.tree.Store(next)
	if changed == nil {
		changed = []string{}
	}
	if len(dirty) > 0 {
		s.logger.Info("department tree synced",
			slog.Int("upserted", len(dirty)),
			slog.Int("changed", len(changed)),
		)
	}
	return SyncResult{Upserted: len(dirty), Changed: changed}, nil
}

func normalizeInputs(inputs []DepartmentInput) ([]Department, error) {
	out := make([]Department, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		id := shared.NormalizeID(in.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: department id required", shared.ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: department %s listed twice", shared.ErrValidation, id)
		}
		seen[id] = struct{}{}
		dept := Department{ID: id, Name: in.Name, InheritEnabled: in.InheritEnabled}
		if in.ParentID != nil {
			if parent := shared.NormalizeID(*in.ParentID); parent != "" {
				dept.ParentID = &parent
			}
		}
		out = append(out, dept)
	}
	return out, nil
}

// merge overlays incoming departments on the stored ones by id.
func merge(stored, incoming []Department) []Department {
	merged := slices.Clone(stored)
	position := make(map[string]int, len(merged))
	for i, dept := range merged {
		position[dept.ID] = i
	}
	for _, dept := range incoming {
		if i, ok := position[dept.ID]; ok {
			merged[i] = dept
			continue
		}
		position[dept.ID] = len(merged)
		merged = append(merged, dept)
	}
	return merged
}

func sameDepartment(a, b Department) bool {
	return a.Name == b.Name && !structuralChange(a, b)
}

func structuralChange(a, b Department) bool {
	return a.InheritEnabled != b.InheritEnabled || !slices.Equal(a.Path, b.Path)
}
