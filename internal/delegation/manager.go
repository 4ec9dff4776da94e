package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/boardauthz/internal/directory"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Repository abstracts delegation persistence. Every status change is a
// conditional update on status so concurrent callers never double-flip a row.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Delegation, error)
	ActiveCandidates(ctx context.Context, delegateID, menuCode string) ([]Delegation, error)
	Expire(ctx context.Context, ids []uuid.UUID, now time.Time) ([]Delegation, error)
	SweepExpired(ctx context.Context, now time.Time) ([]Delegation, error)
	Revoke(ctx context.Context, id uuid.UUID, actor string, at time.Time) (Delegation, bool, error)
	List(ctx context.Context, filter ListFilter) ([]Delegation, error)
}

// TxRepository exposes the transactional create path.
type TxRepository interface {
	LockTriple(ctx context.Context, delegatorID, delegateID, menuCode string) error
	HasOverlap(ctx context.Context, d Delegation, now time.Time) (bool, error)
	Insert(ctx context.Context, d Delegation) error
}

// OwnPermissionResolver resolves a subject's permissions from non-delegated
// sources only.
type OwnPermissionResolver interface {
	ResolveOwn(ctx context.Context, subjectID, menuCode string) (grants.CapabilitySet, error)
}

// SubjectDirectory is the slice of the directory the manager needs.
type SubjectDirectory interface {
	Subject(ctx context.Context, id string) (directory.Subject, error)
	Menu(ctx context.Context, code string) (directory.Menu, error)
	IsAdmin(ctx context.Context, subjectID string) (bool, error)
}

// Manager implements delegation create, revoke, sweep and lookup.
type Manager struct {
	*Lookup
	repo     Repository
	subjects SubjectDirectory
	own      OwnPermissionResolver
	auditor  Auditor
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager constructs a Manager.
func NewManager(repo Repository, subjects SubjectDirectory, own OwnPermissionResolver, auditor Auditor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Lookup:   NewLookup(repo, auditor, logger),
		repo:     repo,
		subjects: subjects,
		own:      own,
		auditor:  auditor,
		logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Create validates and stores a new active delegation.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Delegation, error) {
	now := m.clock()
	d, err := m.normalize(req, now)
	if err != nil {
		return Delegation{}, err
	}

	delegator, err := m.subjects.Subject(ctx, d.DelegatorID)
	if err != nil {
		return Delegation{}, err
	}
	delegate, err := m.subjects.Subject(ctx, d.DelegateID)
	if err != nil {
		return Delegation{}, err
	}
	if !delegate.Active {
		return Delegation{}, fmt.Errorf("%w: delegate %s is inactive", shared.ErrValidation, delegate.ID)
	}
	menu, err := m.subjects.Menu(ctx, d.MenuCode)
	if err != nil {
		return Delegation{}, err
	}
	if !menu.Active {
		return Delegation{}, fmt.Errorf("%w: menu %s", shared.ErrNotFound, menu.Code)
	}

	held := grants.DefaultDeny()
	if delegator.Active {
		held, err = m.own.ResolveOwn(ctx, d.DelegatorID, d.MenuCode)
		if err != nil {
			return Delegation{}, fmt.Errorf("delegation: resolve delegator: %w", err)
		}
	}
	if d.Granted.DataScope == "" {
		d.Granted.DataScope = held.DataScope
	}
	if !held.Covers(d.Granted) {
		return Delegation{}, insufficient(held, d.Granted)
	}

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockTriple(ctx, d.DelegatorID, d.DelegateID, d.MenuCode); err != nil {
			return err
		}
		overlap, err := tx.HasOverlap(ctx, d, now)
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("%w: %s -> %s on %s", shared.ErrDuplicateDelegation, d.DelegatorID, d.DelegateID, d.MenuCode)
		}
		return tx.Insert(ctx, d)
	})
	if err != nil {
		return Delegation{}, fmt.Errorf("delegation: create: %w", err)
	}
	m.logger.Info("delegation created",
		slog.String("delegation_id", d.ID.String()),
		slog.String("delegator_id", d.DelegatorID),
		slog.String("delegate_id", d.DelegateID),
		slog.String("menu_code", d.MenuCode),
		slog.Time("end_at", d.EndAt),
	)
	return d, nil
}

// Revoke moves an active delegation to revoked. Only the delegator or an
// admin may revoke. Revoking an already revoked delegation succeeds without
// change; changed reports whether this call flipped the row.
func (m *Manager) Revoke(ctx context.Context, id uuid.UUID, actorID string) (d Delegation, changed bool, err error) {
	actorID = shared.NormalizeID(actorID)
	if actorID == "" {
		return Delegation{}, false, fmt.Errorf("%w: actor required", shared.ErrForbidden)
	}
	d, err = m.repo.Get(ctx, id)
	if err != nil {
		return Delegation{}, false, fmt.Errorf("delegation: revoke %s: %w", id, err)
	}
	if actorID != d.DelegatorID {
		admin, err := m.subjects.IsAdmin(ctx, actorID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return Delegation{}, false, err
		}
		if !admin {
			return Delegation{}, false, fmt.Errorf("%w: %s may not revoke delegation %s", shared.ErrForbidden, actorID, id)
		}
	}
	now := m.clock()
	if d.Status != StatusActive {
		return terminal(d)
	}
	if d.Lapsed(now) {
		return m.expireLapsed(ctx, d, now)
	}
	revoked, flipped, err := m.repo.Revoke(ctx, id, actorID, now)
	if err != nil {
		return Delegation{}, false, fmt.Errorf("delegation: revoke %s: %w", id, err)
	}
	if !flipped {
		// Lost a race with another revoke or the sweep.
		current, err := m.repo.Get(ctx, id)
		if err != nil {
			return Delegation{}, false, err
		}
		if current.Status == StatusActive && current.Lapsed(now) {
			return m.expireLapsed(ctx, current, now)
		}
		return terminal(current)
	}
	m.logger.Info("delegation revoked",
		slog.String("delegation_id", id.String()),
		slog.String("actor", actorID),
	)
	return revoked, true, nil
}

// expireLapsed flips a still-active row whose window has ended and reports
// it as expired. A revoke never overwrites a lapsed window.
func (m *Manager) expireLapsed(ctx context.Context, d Delegation, now time.Time) (Delegation, bool, error) {
	flipped, err := m.repo.Expire(ctx, []uuid.UUID{d.ID}, now)
	if err != nil {
		return Delegation{}, false, fmt.Errorf("delegation: revoke %s: %w", d.ID, err)
	}
	recordExpired(ctx, m.auditor, m.logger, flipped, "lazy")
	d.Status = StatusExpired
	return terminal(d)
}

// List returns delegations matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Delegation, error) {
	filter.DelegatorID = shared.NormalizeID(filter.DelegatorID)
	filter.DelegateID = shared.NormalizeID(filter.DelegateID)
	filter.MenuCode = shared.NormalizeMenuCode(filter.MenuCode)
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return m.repo.List(ctx, filter)
}

func (m *Manager) normalize(req CreateRequest, now time.Time) (Delegation, error) {
	d := Delegation{
		ID:          uuid.New(),
		DelegatorID: shared.NormalizeID(req.DelegatorID),
		DelegateID:  shared.NormalizeID(req.DelegateID),
		MenuCode:    shared.NormalizeMenuCode(req.MenuCode),
		Granted:     req.Caps,
		StartAt:     req.StartAt.UTC(),
		EndAt:       req.EndAt.UTC(),
		Reason:      strings.TrimSpace(req.Reason),
		Status:      StatusActive,
		CreatedAt:   now,
	}
	switch {
	case d.DelegatorID == "" || d.DelegateID == "":
		return Delegation{}, fmt.Errorf("%w: delegator and delegate required", shared.ErrValidation)
	case d.DelegatorID == d.DelegateID:
		return Delegation{}, fmt.Errorf("%w: cannot delegate to self", shared.ErrValidation)
	case d.MenuCode == "":
		return Delegation{}, fmt.Errorf("%w: menu code required", shared.ErrValidation)
	case !d.Granted.Any():
		return Delegation{}, fmt.Errorf("%w: at least one capability required", shared.ErrValidation)
	}
	if req.Caps.DataScope != "" {
		scope, err := grants.ParseDataScope(string(req.Caps.DataScope))
		if err != nil {
			return Delegation{}, err
		}
		d.Granted.DataScope = scope
	}
	if req.StartAt.IsZero() {
		d.StartAt = now
	}
	if !d.EndAt.After(d.StartAt) {
		return Delegation{}, fmt.Errorf("%w: end_at must be after start_at", shared.ErrValidation)
	}
	if !d.EndAt.After(now) {
		return Delegation{}, fmt.Errorf("%w: end_at must be in the future", shared.ErrValidation)
	}
	return d, nil
}

func insufficient(held, requested grants.CapabilitySet) error {
	parts := make([]string, 0, 5)
	for _, action := range held.Missing(requested.Capabilities) {
		parts = append(parts, string(action))
	}
	if !requested.DataScope.AtMost(held.DataScope) {
		parts = append(parts, "data_scope "+string(requested.DataScope))
	}
	return fmt.Errorf("%w: exceeds own grant: %s", shared.ErrInsufficientGrantToDelegate, strings.Join(parts, ", "))
}

func terminal(d Delegation) (Delegation, bool, error) {
	if d.Status == StatusRevoked {
		return d, false, nil
	}
	return Delegation{}, false, fmt.Errorf("%w: delegation %s is %s", shared.ErrValidation, d.ID, d.Status)
}
