package directory

import (
	"context"
	"fmt"
	"sort"

	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// Repository abstracts directory persistence.
type Repository interface {
	GetSubject(ctx context.Context, id string) (Subject, error)
	RolesByCodes(ctx context.Context, codes []string) ([]Role, error)
	GetMenu(ctx context.Context, code string) (Menu, error)
	ListMenus(ctx context.Context, activeOnly bool) ([]Menu, error)
	SubjectsWithRole(ctx context.Context, roleCode string) ([]string, error)
	SubjectsInDepartments(ctx context.Context, deptIDs []string) ([]string, error)
	UpsertSubject(ctx context.Context, subject Subject) error
	UpsertRole(ctx context.Context, role Role) error
	UpsertMenu(ctx context.Context, menu Menu) error
}

// Service exposes the read side the resolver needs plus directory sync writes.
type Service struct {
	repo Repository
}

// NewService constructs the directory service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Subject loads a subject with its role codes.
func (s *Service) Subject(ctx context.Context, id string) (Subject, error) {
	id = shared.NormalizeID(id)
	if id == "" {
		return Subject{}, fmt.Errorf("%w: subject id required", shared.ErrValidation)
	}
	subject, err := s.repo.GetSubject(ctx, id)
	if err != nil {
		return Subject{}, fmt.Errorf("directory: subject %s: %w", id, err)
	}
	return subject, nil
}

// Roles returns the subject's roles ordered by level, highest first. Ties keep
// code order so resolution stays deterministic.
func (s *Service) Roles(ctx context.Context, subject Subject) ([]Role, error) {
	if len(subject.Roles) == 0 {
		return nil, nil
	}
	roles, err := s.repo.RolesByCodes(ctx, subject.Roles)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].Level != roles[j].Level {
			return roles[i].Level > roles[j].Level
		}
		return roles[i].Code < roles[j].Code
	})
	return roles, nil
}

// IsAdmin reports whether any of the subject's roles carries the admin flag.
func (s *Service) IsAdmin(ctx context.Context, subjectID string) (bool, error) {
	subject, err := s.Subject(ctx, subjectID)
	if err != nil {
		return false, err
	}
	if !subject.Active {
		return false, nil
	}
	roles, err := s.Roles(ctx, subject)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.IsAdmin {
			return true, nil
		}
	}
	return false, nil
}

// Menu loads one menu by code.
func (s *Service) Menu(ctx context.Context, code string) (Menu, error) {
	code = shared.NormalizeMenuCode(code)
	if code == "" {
		return Menu{}, fmt.Errorf("%w: menu code required", shared.ErrValidation)
	}
	menu, err := s.repo.GetMenu(ctx, code)
	if err != nil {
		return Menu{}, fmt.Errorf("directory: menu %s: %w", code, err)
	}
	return menu, nil
}

// ActiveMenus lists every active menu.
func (s *Service) ActiveMenus(ctx context.Context) ([]Menu, error) {
	return s.repo.ListMenus(ctx, true)
}

// SubjectsWithRole returns ids of every subject holding the role.
func (s *Service) SubjectsWithRole(ctx context.Context, roleCode string) ([]string, error) {
	return s.repo.SubjectsWithRole(ctx, shared.NormalizeID(roleCode))
}

// SubjectsInDepartments returns ids of every subject whose department is listed.
func (s *Service) SubjectsInDepartments(ctx context.Context, deptIDs []string) ([]string, error) {
	if len(deptIDs) == 0 {
		return nil, nil
	}
	return s.repo.SubjectsInDepartments(ctx, deptIDs)
}

// SyncSubject upserts a subject and replaces its role memberships.
func (s *Service) SyncSubject(ctx context.Context, input SubjectInput) (Subject, error) {
	id := shared.NormalizeID(input.ID)
	if id == "" {
		return Subject{}, fmt.Errorf("%w: subject id required", shared.ErrValidation)
	}
	kind, err := ParseSubjectKind(input.Kind)
	if err != nil {
		return Subject{}, err
	}
	subject := Subject{
		ID:     id,
		Name:   input.Name,
		Kind:   kind,
		Roles:  uniqueCodes(input.Roles),
		Active: input.Active,
	}
	if input.DepartmentID != nil {
		if dept := shared.NormalizeID(*input.DepartmentID); dept != "" {
			subject.DepartmentID = &dept
		}
	}
	if err := s.repo.UpsertSubject(ctx, subject); err != nil {
		return Subject{}, fmt.Errorf("directory: sync subject %s: %w", id, err)
	}
	return subject, nil
}

// SyncRole upserts a role definition.
func (s *Service) SyncRole(ctx context.Context, role Role) (Role, error) {
	role.Code = shared.NormalizeID(role.Code)
	if role.Code == "" {
		return Role{}, fmt.Errorf("%w: role code required", shared.ErrValidation)
	}
	if role.Level < 0 {
		return Role{}, fmt.Errorf("%w: role level must not be negative", shared.ErrValidation)
	}
	if err := s.repo.UpsertRole(ctx, role); err != nil {
		return Role{}, fmt.Errorf("directory: sync role %s: %w", role.Code, err)
	}
	return role, nil
}

// SyncMenu upserts a menu; menu codes are stored folded.
func (s *Service) SyncMenu(ctx context.Context, menu Menu) (Menu, error) {
	menu.Code = shared.NormalizeMenuCode(menu.Code)
	if menu.Code == "" {
		return Menu{}, fmt.Errorf("%w: menu code required", shared.ErrValidation)
	}
	if err := s.repo.UpsertMenu(ctx, menu); err != nil {
		return Menu{}, fmt.Errorf("directory: sync menu %s: %w", menu.Code, err)
	}
	return menu, nil
}

func uniqueCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = shared.NormalizeID(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
