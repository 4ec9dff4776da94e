package permcache

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/boardauthz/internal/grants"
)

// MemberLister resolves which subjects sit behind a role or departments.
type MemberLister interface {
	SubjectsWithRole(ctx context.Context, roleCode string) ([]string, error)
	SubjectsInDepartments(ctx context.Context, deptIDs []string) ([]string, error)
}

// SubtreeLister lists a department and everything below it.
type SubtreeLister interface {
	DescendantsOf(deptID string) ([]string, error)
}

// Invalidator drops cached decisions after a committed mutation. It never
// fails the caller; problems are logged and the cache TTL bounds staleness.
type Invalidator struct {
	cache   Cache
	members MemberLister
	tree    SubtreeLister
	logger  *slog.Logger
}

// NewInvalidator constructs an Invalidator.
func NewInvalidator(cache Cache, members MemberLister, tree SubtreeLister, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{cache: cache, members: members, tree: tree, logger: logger}
}

// Scope invalidates every subject whose resolution can read grants of the
// scope. A nil menus slice drops all of their menus.
func (i *Invalidator) Scope(ctx context.Context, kind grants.ScopeKind, scopeID string, menus []string) int {
	subjects, err := i.affected(ctx, kind, []string{scopeID})
	if err != nil {
		i.logger.Warn("cache invalidation: resolve affected subjects",
			slog.String("scope_kind", string(kind)),
			slog.String("scope_id", scopeID),
			slog.Any("error", err),
		)
		return 0
	}
	return i.Subjects(ctx, subjects, menus)
}

// Departments invalidates every member of the listed departments' subtrees.
func (i *Invalidator) Departments(ctx context.Context, deptIDs []string) int {
	subjects, err := i.affected(ctx, grants.KindDepartment, deptIDs)
	if err != nil {
		i.logger.Warn("cache invalidation: resolve department members", slog.Any("error", err))
		return 0
	}
	return i.Subjects(ctx, subjects, nil)
}

// Subjects invalidates the given menus, or everything when menus is nil, for
// each subject and returns how many subjects were processed.
func (i *Invalidator) Subjects(ctx context.Context, subjects []string, menus []string) int {
	seen := make(map[string]struct{}, len(subjects))
	for _, subject := range subjects {
		if _, dup := seen[subject]; dup {
			continue
		}
		seen[subject] = struct{}{}
		if menus == nil {
			if err := i.cache.InvalidateSubject(ctx, subject); err != nil {
				i.warn(subject, "", err)
			}
			continue
		}
		for _, menu := range menus {
			if err := i.cache.Invalidate(ctx, subject, menu); err != nil {
				i.warn(subject, menu, err)
			}
		}
	}
	return len(seen)
}

func (i *Invalidator) affected(ctx context.Context, kind grants.ScopeKind, scopeIDs []string) ([]string, error) {
	switch kind {
	case grants.KindPersonal:
		return scopeIDs, nil
	case grants.KindRole:
		var out []string
		for _, role := range scopeIDs {
			holders, err := i.members.SubjectsWithRole(ctx, role)
			if err != nil {
				return nil, err
			}
			out = append(out, holders...)
		}
		return out, nil
	case grants.KindDepartment:
		var depts []string
		for _, id := range scopeIDs {
			subtree, err := i.tree.DescendantsOf(id)
			if err != nil {
				return nil, err
			}
			depts = append(depts, subtree...)
		}
		return i.members.SubjectsInDepartments(ctx, depts)
	default:
		return nil, nil
	}
}

func (i *Invalidator) warn(subject, menu string, err error) {
	i.logger.Warn("cache invalidation failed",
		slog.String("subject_id", subject),
		slog.String("menu_code", menu),
		slog.Any("error", err),
	)
}
