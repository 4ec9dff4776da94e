// Package access is the operation surface of the permission engine. Every
// mutation commits first, then invalidates cached decisions and writes an
// audit entry.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odyssey-erp/boardauthz/internal/audit"
	"github.com/odyssey-erp/boardauthz/internal/batch"
	"github.com/odyssey-erp/boardauthz/internal/delegation"
	"github.com/odyssey-erp/boardauthz/internal/directory"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/hierarchy"
	"github.com/odyssey-erp/boardauthz/internal/resolver"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// Resolver answers checks and effective-permission listings.
type Resolver interface {
	Check(ctx context.Context, subjectID, menuCode string, action grants.Action) resolver.Decision
	ListEffective(ctx context.Context, subjectID string) (map[string]grants.CapabilitySet, error)
}

// GrantStore mutates and lists grants.
type GrantStore interface {
	Upsert(ctx context.Context, kind grants.ScopeKind, scopeID, menuCode string, caps grants.CapabilitySet) (bool, error)
	Revoke(ctx context.Context, kind grants.ScopeKind, scopeID string, menuCode *string) (int, error)
	Copy(ctx context.Context, kind grants.ScopeKind, sourceID string, targetIDs []string) (int, error)
	ListFor(ctx context.Context, kind grants.ScopeKind, scopeID string) ([]grants.Grant, error)
}

// BatchService applies batch mutations.
type BatchService interface {
	Grant(ctx context.Context, key string, assignments []batch.Assignment) (batch.Result, error)
	Revoke(ctx context.Context, key string, subjectIDs, menuCodes []string) (batch.Result, error)
	Copy(ctx context.Context, key, sourceID string, targetIDs []string) (batch.Result, error)
}

// Delegations manages delegations.
type Delegations interface {
	Create(ctx context.Context, req delegation.CreateRequest) (delegation.Delegation, error)
	Revoke(ctx context.Context, id uuid.UUID, actorID string) (delegation.Delegation, bool, error)
	List(ctx context.Context, filter delegation.ListFilter) ([]delegation.Delegation, error)
}

// Hierarchy syncs the department tree.
type Hierarchy interface {
	Sync(ctx context.Context, inputs []hierarchy.DepartmentInput) (hierarchy.SyncResult, error)
}

// Directory syncs subjects, roles and menus.
type Directory interface {
	IsAdmin(ctx context.Context, subjectID string) (bool, error)
	SyncSubject(ctx context.Context, input directory.SubjectInput) (directory.Subject, error)
	SyncRole(ctx context.Context, role directory.Role) (directory.Role, error)
	SyncMenu(ctx context.Context, menu directory.Menu) (directory.Menu, error)
}

// Invalidator drops cached decisions after a commit.
type Invalidator interface {
	Scope(ctx context.Context, kind grants.ScopeKind, scopeID string, menus []string) int
	Subjects(ctx context.Context, subjects []string, menus []string) int
	Departments(ctx context.Context, deptIDs []string) int
}

// Auditor appends audit entries.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Config wires the facade.
type Config struct {
	Resolver    Resolver
	Grants      GrantStore
	Batch       BatchService
	Delegations Delegations
	Hierarchy   Hierarchy
	Directory   Directory
	Invalidator Invalidator
	Auditor     Auditor
	Logger      *slog.Logger
}

// Service implements the engine operations.
type Service struct {
	resolver    Resolver
	grants      GrantStore
	batch       BatchService
	delegations Delegations
	hierarchy   Hierarchy
	directory   Directory
	invalidator Invalidator
	auditor     Auditor
	logger      *slog.Logger
}

// NewService constructs the facade.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		resolver:    cfg.Resolver,
		grants:      cfg.Grants,
		batch:       cfg.Batch,
		delegations: cfg.Delegations,
		hierarchy:   cfg.Hierarchy,
		directory:   cfg.Directory,
		invalidator: cfg.Invalidator,
		auditor:     cfg.Auditor,
		logger:      cfg.Logger,
	}
}

// Check evaluates one action. Only a malformed action is an error; every
// other failure is a deny.
func (s *Service) Check(ctx context.Context, subjectID, menuCode, action string) (resolver.Decision, error) {
	act, err := grants.ParseAction(action)
	if err != nil {
		return resolver.Decision{}, err
	}
	return s.resolver.Check(ctx, subjectID, menuCode, act), nil
}

// Allowed reports whether subjectID may perform action on menuCode.
func (s *Service) Allowed(ctx context.Context, subjectID, menuCode string, action grants.Action) bool {
	return s.resolver.Check(ctx, subjectID, menuCode, action).Allowed
}

// Grant writes one grant and reports whether an existing grant was replaced.
func (s *Service) Grant(ctx context.Context, kind grants.ScopeKind, scopeID, menuCode string, caps grants.CapabilitySet) (bool, error) {
	updated, err := s.grants.Upsert(ctx, kind, scopeID, menuCode, caps)
	s.audit(ctx, audit.KindGrant, scopeID, menuCode, err, map[string]any{
		"scope_kind": string(kind),
		"caps":       caps,
		"updated":    updated,
	})
	if err != nil {
		return false, err
	}
	s.invalidator.Scope(ctx, kind, shared.NormalizeID(scopeID), []string{shared.NormalizeMenuCode(menuCode)})
	return updated, nil
}

// Revoke removes one grant, or every grant of the scope when menuCode is nil.
func (s *Service) Revoke(ctx context.Context, kind grants.ScopeKind, scopeID string, menuCode *string) (int, error) {
	removed, err := s.grants.Revoke(ctx, kind, scopeID, menuCode)
	menu := ""
	var menus []string
	if menuCode != nil {
		menu = shared.NormalizeMenuCode(*menuCode)
		menus = []string{menu}
	}
	s.audit(ctx, audit.KindRevoke, scopeID, menu, err, map[string]any{
		"scope_kind": string(kind),
		"removed":    removed,
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.invalidator.Scope(ctx, kind, shared.NormalizeID(scopeID), menus)
	}
	return removed, nil
}

// ListFor returns the grants held by one scope.
func (s *Service) ListFor(ctx context.Context, kind grants.ScopeKind, scopeID string) ([]grants.Grant, error) {
	return s.grants.ListFor(ctx, kind, scopeID)
}

// CopyGrants duplicates every grant of sourceID onto each target.
func (s *Service) CopyGrants(ctx context.Context, kind grants.ScopeKind, sourceID string, targetIDs []string) (int, error) {
	copied, err := s.grants.Copy(ctx, kind, sourceID, targetIDs)
	targets := grants.UniqueIDs(targetIDs, shared.NormalizeID(sourceID))
	s.audit(ctx, audit.KindCopy, sourceID, "", err, map[string]any{
		"scope_kind": string(kind),
		"targets":    targets,
		"copied":     copied,
	})
	if err != nil {
		return 0, err
	}
	for _, target := range targets {
		s.invalidator.Scope(ctx, kind, target, nil)
	}
	return copied, nil
}

// BatchGrant upserts personal grants in one transaction.
func (s *Service) BatchGrant(ctx context.Context, key string, assignments []batch.Assignment) (batch.Result, error) {
	return s.batch.Grant(ctx, key, assignments)
}

// BatchRevoke removes personal grants in one transaction.
func (s *Service) BatchRevoke(ctx context.Context, key string, subjectIDs, menuCodes []string) (batch.Result, error) {
	return s.batch.Revoke(ctx, key, subjectIDs, menuCodes)
}

// BatchCopy copies personal grants in one transaction.
func (s *Service) BatchCopy(ctx context.Context, key, sourceID string, targetIDs []string) (batch.Result, error) {
	return s.batch.Copy(ctx, key, sourceID, targetIDs)
}

// DelegateCreate stores a delegation on behalf of the actor in ctx, who must
// be the delegator or an admin.
func (s *Service) DelegateCreate(ctx context.Context, req delegation.CreateRequest) (delegation.Delegation, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return delegation.Delegation{}, fmt.Errorf("%w: actor required", shared.ErrForbidden)
	}
	if actor != shared.NormalizeID(req.DelegatorID) {
		admin, err := s.directory.IsAdmin(ctx, actor)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return delegation.Delegation{}, err
		}
		if !admin {
			return delegation.Delegation{}, fmt.Errorf("%w: %s may not delegate for %s", shared.ErrForbidden, actor, req.DelegatorID)
		}
	}

	d, err := s.delegations.Create(ctx, req)
	detail := map[string]any{
		"delegator_id": req.DelegatorID,
		"caps":         req.Caps,
		"start_at":     req.StartAt,
		"end_at":       req.EndAt,
	}
	if err == nil {
		detail["delegation_id"] = d.ID.String()
	}
	s.audit(ctx, audit.KindDelegateCreate, req.DelegateID, req.MenuCode, err, detail)
	if err != nil {
		return delegation.Delegation{}, err
	}
	s.invalidator.Subjects(ctx, []string{d.DelegateID}, []string{d.MenuCode})
	return d, nil
}

// DelegateRevoke revokes a delegation as the actor in ctx.
func (s *Service) DelegateRevoke(ctx context.Context, id uuid.UUID) (delegation.Delegation, error) {
	actor, _ := shared.ActorFromContext(ctx)
	d, changed, err := s.delegations.Revoke(ctx, id, actor)
	s.audit(ctx, audit.KindDelegateRevoke, d.DelegateID, d.MenuCode, err, map[string]any{
		"delegation_id": id.String(),
		"changed":       changed,
	})
	if err != nil {
		return delegation.Delegation{}, err
	}
	if changed {
		s.invalidator.Subjects(ctx, []string{d.DelegateID}, []string{d.MenuCode})
	}
	return d, nil
}

// ListDelegations lists delegations matching filter.
func (s *Service) ListDelegations(ctx context.Context, filter delegation.ListFilter) ([]delegation.Delegation, error) {
	return s.delegations.List(ctx, filter)
}

// ListEffective resolves every active menu for the subject.
func (s *Service) ListEffective(ctx context.Context, subjectID string) (map[string]grants.CapabilitySet, error) {
	return s.resolver.ListEffective(ctx, subjectID)
}

// SyncDepartments merges a department feed into the tree.
func (s *Service) SyncDepartments(ctx context.Context, inputs []hierarchy.DepartmentInput) (hierarchy.SyncResult, error) {
	res, err := s.hierarchy.Sync(ctx, inputs)
	s.audit(ctx, audit.KindDirectorySync, "", "", err, map[string]any{
		"entity":   "departments",
		"received": len(inputs),
		"upserted": res.Upserted,
		"changed":  res.Changed,
	})
	if err != nil {
		return hierarchy.SyncResult{}, err
	}
	if len(res.Changed) > 0 {
		s.invalidator.Departments(ctx, res.Changed)
	}
	return res, nil
}

// SyncSubject upserts a subject; its cached decisions are dropped.
func (s *Service) SyncSubject(ctx context.Context, input directory.SubjectInput) (directory.Subject, error) {
	subject, err := s.directory.SyncSubject(ctx, input)
	s.audit(ctx, audit.KindDirectorySync, input.ID, "", err, map[string]any{"entity": "subject"})
	if err != nil {
		return directory.Subject{}, err
	}
	s.invalidator.Subjects(ctx, []string{subject.ID}, nil)
	return subject, nil
}

// SyncRole upserts a role; decisions of its holders are dropped.
func (s *Service) SyncRole(ctx context.Context, role directory.Role) (directory.Role, error) {
	saved, err := s.directory.SyncRole(ctx, role)
	s.audit(ctx, audit.KindDirectorySync, "", "", err, map[string]any{"entity": "role", "role": role.Code})
	if err != nil {
		return directory.Role{}, err
	}
	s.invalidator.Scope(ctx, grants.KindRole, saved.Code, nil)
	return saved, nil
}

// SyncMenu upserts a menu.
func (s *Service) SyncMenu(ctx context.Context, menu directory.Menu) (directory.Menu, error) {
	saved, err := s.directory.SyncMenu(ctx, menu)
	s.audit(ctx, audit.KindDirectorySync, "", menu.Code, err, map[string]any{"entity": "menu", "active": menu.Active})
	if err != nil {
		return directory.Menu{}, err
	}
	return saved, nil
}

func (s *Service) audit(ctx context.Context, kind, subjectID, menuCode string, failure error, detail map[string]any) {
	if s.auditor == nil {
		return
	}
	actor, _ := shared.ActorFromContext(ctx)
	outcome := audit.OutcomeSuccess
	if failure != nil {
		outcome = audit.OutcomeFailure
		detail["error"] = failure.Error()
	}
	err := s.auditor.Record(ctx, audit.Entry{
		SubjectID:  shared.NormalizeID(subjectID),
		MenuCode:   shared.NormalizeMenuCode(menuCode),
		ActionKind: kind,
		Outcome:    outcome,
		Actor:      actor,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("audit mutation", slog.String("kind", kind), slog.Any("error", err))
	}
}
