// Package resolver computes the single effective capability set of a subject
// for a menu and answers permission checks against it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/boardauthz/internal/audit"
	"github.com/odyssey-erp/boardauthz/internal/delegation"
	"github.com/odyssey-erp/boardauthz/internal/directory"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/hierarchy"
	"github.com/odyssey-erp/boardauthz/internal/permcache"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

const (
	defaultTTL         = 5 * time.Minute
	defaultConcurrency = 8
)

// Directory is the slice of the directory needed for resolution.
type Directory interface {
	Subject(ctx context.Context, id string) (directory.Subject, error)
	Roles(ctx context.Context, subject directory.Subject) ([]directory.Role, error)
	Menu(ctx context.Context, code string) (directory.Menu, error)
	ActiveMenus(ctx context.Context) ([]directory.Menu, error)
}

// GrantSource reads personal and role grants.
type GrantSource interface {
	Personal(ctx context.Context, subjectID, menuCode string) (*grants.Grant, error)
	RoleGrants(ctx context.Context, roleCodes []string, menuCode string) ([]grants.Grant, error)
}

// Departments finds the nearest department grant.
type Departments interface {
	ClosestDepartmentGrant(ctx context.Context, deptID, menuCode string) (hierarchy.Department, grants.Grant, bool, error)
}

// Delegations finds the delegation currently in force.
type Delegations interface {
	ActiveFor(ctx context.Context, delegateID, menuCode string, now time.Time) (*delegation.Delegation, error)
}

// Auditor appends audit entries.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Config wires the resolver dependencies.
type Config struct {
	Directory   Directory
	Grants      GrantSource
	Departments Departments
	Delegations Delegations
	Cache       permcache.Cache
	Auditor     Auditor
	Metrics     *Metrics
	Logger      *slog.Logger
	// TTL bounds how long a decision is served from cache.
	TTL time.Duration
	// Concurrency bounds ListEffective fan-out.
	Concurrency int
}

// Decision is the answer to a permission check.
type Decision struct {
	Allowed   bool             `json:"allowed"`
	DataScope grants.DataScope `json:"data_scope"`
	Source    permcache.Source `json:"-"`
}

// Resolver applies the precedence rule delegation, personal, nearest
// department, highest-level role, default deny. The first source that defines
// the menu supplies every capability and the data scope.
type Resolver struct {
	directory   Directory
	grants      GrantSource
	departments Departments
	delegations Delegations
	cache       permcache.Cache
	auditor     Auditor
	metrics     *Metrics
	logger      *slog.Logger
	ttl         time.Duration
	concurrency int
	clock       func() time.Time
	inflight    singleflight.Group
}

// New constructs a Resolver.
func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Resolver{
		directory:   cfg.Directory,
		grants:      cfg.Grants,
		departments: cfg.Departments,
		delegations: cfg.Delegations,
		cache:       cfg.Cache,
		auditor:     cfg.Auditor,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		ttl:         cfg.TTL,
		concurrency: cfg.Concurrency,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Check decides whether subjectID may perform action on menuCode. It never
// fails: any internal error denies and is audited with outcome error.
func (r *Resolver) Check(ctx context.Context, subjectID, menuCode string, action grants.Action) Decision {
	start := time.Now()
	subjectID = shared.NormalizeID(subjectID)
	menuCode = shared.NormalizeMenuCode(menuCode)

	out := Decision{DataScope: grants.ScopeOwn, Source: permcache.SourceDefault}
	outcome := audit.OutcomeDeny
	detail := map[string]any{"action": string(action)}

	resolved, err := r.Resolve(ctx, subjectID, menuCode)
	if err != nil {
		outcome = audit.OutcomeError
		detail["error"] = err.Error()
		r.logger.Error("permission resolution failed",
			slog.String("subject_id", subjectID),
			slog.String("menu_code", menuCode),
			slog.Any("error", err),
		)
	} else {
		out.Source = resolved.Source
		detail["source"] = string(resolved.Source)
		if resolved.SourceID != "" {
			detail["source_id"] = resolved.SourceID
		}
		if resolved.Resolved.Allows(action) {
			out.Allowed = true
			out.DataScope = resolved.Resolved.DataScope
			outcome = audit.OutcomeAllow
		}
	}
	detail["data_scope"] = string(out.DataScope)

	r.metrics.observeCheck(string(outcome), string(out.Source), time.Since(start))
	r.record(ctx, audit.Entry{
		SubjectID:  subjectID,
		MenuCode:   menuCode,
		ActionKind: audit.KindCheck,
		Outcome:    outcome,
		Actor:      actorOr(ctx, subjectID),
		Detail:     detail,
	})
	return out
}

// Resolve returns the effective capability set, serving from cache when a
// fresh decision exists. Concurrent misses for the same key share one
// computation.
func (r *Resolver) Resolve(ctx context.Context, subjectID, menuCode string) (permcache.Decision, error) {
	subjectID = shared.NormalizeID(subjectID)
	menuCode = shared.NormalizeMenuCode(menuCode)
	if subjectID == "" || menuCode == "" {
		return permcache.Decision{}, fmt.Errorf("%w: subject and menu required", shared.ErrValidation)
	}

	if r.cache != nil {
		cached, ok, err := r.cache.Get(ctx, subjectID, menuCode)
		switch {
		case err != nil:
			r.metrics.cacheResult("error")
			r.logger.Warn("decision cache read failed", slog.String("subject_id", subjectID), slog.Any("error", err))
		case ok:
			r.metrics.cacheResult("hit")
			return cached, nil
		default:
			r.metrics.cacheResult("miss")
		}
	}

	// The flight outlives whichever caller started it; each caller waits on
	// its own context.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.inflight.DoChan(subjectID+"\x00"+menuCode, func() (any, error) {
		d, err := r.compute(flightCtx, subjectID, menuCode, true)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			if err := r.cache.Put(flightCtx, d); err != nil {
				r.logger.Warn("decision cache write failed", slog.String("subject_id", subjectID), slog.Any("error", err))
			}
		}
		return d, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return permcache.Decision{}, res.Err
		}
		return res.Val.(permcache.Decision), nil
	case <-ctx.Done():
		return permcache.Decision{}, ctx.Err()
	}
}

// ResolveOwn resolves from the subject's own grants only, skipping delegations
// and the cache. Delegation create uses it to forbid chained delegation.
func (r *Resolver) ResolveOwn(ctx context.Context, subjectID, menuCode string) (grants.CapabilitySet, error) {
	d, err := r.compute(ctx, shared.NormalizeID(subjectID), shared.NormalizeMenuCode(menuCode), false)
	if err != nil {
		return grants.CapabilitySet{}, err
	}
	return d.Resolved, nil
}

// ListEffective resolves every active menu for the subject.
func (r *Resolver) ListEffective(ctx context.Context, subjectID string) (map[string]grants.CapabilitySet, error) {
	subjectID = shared.NormalizeID(subjectID)
	if _, err := r.directory.Subject(ctx, subjectID); err != nil {
		return nil, err
	}
	menus, err := r.directory.ActiveMenus(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolver: list menus: %w", err)
	}

	var (
		mu  sync.Mutex
		out = make(map[string]grants.CapabilitySet, len(menus))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, menu := range menus {
		code := menu.Code
		g.Go(func() error {
			d, err := r.Resolve(gctx, subjectID, code)
			if err != nil {
				return fmt.Errorf("resolver: menu %s: %w", code, err)
			}
			mu.Lock()
			out[code] = d.Resolved
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) compute(ctx context.Context, subjectID, menuCode string, withDelegation bool) (permcache.Decision, error) {
	now := r.clock()
	d := permcache.Decision{
		SubjectID:  subjectID,
		MenuCode:   menuCode,
		Resolved:   grants.DefaultDeny(),
		Source:     permcache.SourceDefault,
		ComputedAt: now,
		ExpiresAt:  now.Add(r.ttl),
	}

	subject, err := r.directory.Subject(ctx, subjectID)
	if errors.Is(err, shared.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return permcache.Decision{}, err
	}
	if !subject.Active {
		return d, nil
	}
	// grants on a retired or unknown menu stay stored but no longer apply
	menu, err := r.directory.Menu(ctx, menuCode)
	if errors.Is(err, shared.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return permcache.Decision{}, err
	}
	if !menu.Active {
		return d, nil
	}

	if withDelegation && r.delegations != nil {
		active, err := r.delegations.ActiveFor(ctx, subjectID, menuCode, now)
		if err != nil {
			return permcache.Decision{}, err
		}
		if active != nil {
			d.Resolved = active.Granted
			d.Source = permcache.SourceDelegation
			d.SourceID = active.ID.String()
			if active.EndAt.Before(d.ExpiresAt) {
				d.ExpiresAt = active.EndAt
			}
			return d, nil
		}
	}

	personal, err := r.grants.Personal(ctx, subjectID, menuCode)
	if err != nil {
		return permcache.Decision{}, fmt.Errorf("resolver: personal grant: %w", err)
	}
	if personal != nil {
		d.Resolved = personal.Caps
		d.Source = permcache.SourcePersonal
		d.SourceID = subjectID
		return d, nil
	}

	if subject.DepartmentID != nil && *subject.DepartmentID != "" {
		dept, grant, found, err := r.departments.ClosestDepartmentGrant(ctx, *subject.DepartmentID, menuCode)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			r.logger.Warn("subject department missing from tree",
				slog.String("subject_id", subjectID),
				slog.String("department_id", *subject.DepartmentID),
			)
		case err != nil:
			return permcache.Decision{}, err
		case found:
			d.Resolved = grant.Caps
			d.Source = permcache.SourceDepartment
			d.SourceID = dept.ID
			return d, nil
		}
	}

	roles, err := r.directory.Roles(ctx, subject)
	if err != nil {
		return permcache.Decision{}, fmt.Errorf("resolver: roles: %w", err)
	}
	if len(roles) > 0 {
		codes := make([]string, len(roles))
		for i, role := range roles {
			codes[i] = role.Code
		}
		rows, err := r.grants.RoleGrants(ctx, codes, menuCode)
		if err != nil {
			return permcache.Decision{}, fmt.Errorf("resolver: role grants: %w", err)
		}
		byRole := make(map[string]grants.Grant, len(rows))
		for _, row := range rows {
			byRole[row.ScopeID] = row
		}
		// roles arrive ordered by level, highest first
		for _, role := range roles {
			if grant, ok := byRole[role.Code]; ok {
				d.Resolved = grant.Caps
				d.Source = permcache.SourceRole
				d.SourceID = role.Code
				return d, nil
			}
		}
	}
	return d, nil
}

func (r *Resolver) record(ctx context.Context, entry audit.Entry) {
	if r.auditor == nil {
		return
	}
	if err := r.auditor.Record(ctx, entry); err != nil {
		r.logger.Warn("audit check failed",
			slog.String("subject_id", entry.SubjectID),
			slog.String("menu_code", entry.MenuCode),
			slog.Any("error", err),
		)
	}
}

func actorOr(ctx context.Context, fallback string) string {
	if actor, ok := shared.ActorFromContext(ctx); ok {
		return actor
	}
	return fallback
}
