package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/boardauthz/internal/audit"
)

// Auditor appends audit entries.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Lookup answers active_for queries. It only needs storage, so the resolver
// can depend on it without depending on the Manager.
type Lookup struct {
	repo    Repository
	auditor Auditor
	logger  *slog.Logger
}

// NewLookup constructs a Lookup.
func NewLookup(repo Repository, auditor Auditor, logger *slog.Logger) *Lookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{repo: repo, auditor: auditor, logger: logger}
}

// ActiveFor returns the most recently created active delegation to delegateID
// for menuCode whose window contains now, or nil. Rows found past their end
// are flipped to expired on the spot; a failed flip is logged and left to the
// sweep.
func (l *Lookup) ActiveFor(ctx context.Context, delegateID, menuCode string, now time.Time) (*Delegation, error) {
	candidates, err := l.repo.ActiveCandidates(ctx, delegateID, menuCode)
	if err != nil {
		return nil, fmt.Errorf("delegation: active for %s: %w", delegateID, err)
	}
	var (
		found  *Delegation
		lapsed []uuid.UUID
	)
	for i := range candidates {
		d := candidates[i]
		if d.Lapsed(now) {
			lapsed = append(lapsed, d.ID)
			continue
		}
		if found == nil && d.Covers(now) {
			found = &d
		}
	}
	if len(lapsed) > 0 {
		flipped, err := l.repo.Expire(ctx, lapsed, now)
		if err != nil {
			l.logger.Warn("lazy delegation expiry failed",
				slog.String("delegate_id", delegateID),
				slog.String("menu_code", menuCode),
				slog.Any("error", err),
			)
		} else {
			recordExpired(ctx, l.auditor, l.logger, flipped, "lazy")
		}
	}
	return found, nil
}

// SweepExpired flips every active delegation whose window ended before now.
// Only rows flipped by this call are returned and audited.
func (l *Lookup) SweepExpired(ctx context.Context, now time.Time) ([]Delegation, error) {
	flipped, err := l.repo.SweepExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("delegation: sweep: %w", err)
	}
	recordExpired(ctx, l.auditor, l.logger, flipped, "sweep")
	return flipped, nil
}

func recordExpired(ctx context.Context, auditor Auditor, logger *slog.Logger, flipped []Delegation, via string) {
	if auditor == nil {
		return
	}
	for _, d := range flipped {
		err := auditor.Record(ctx, audit.Entry{
			SubjectID:  d.DelegateID,
			MenuCode:   d.MenuCode,
			ActionKind: audit.KindDelegationExpire,
			Outcome:    audit.OutcomeSuccess,
			Actor:      "system",
			Detail: map[string]any{
				"delegation_id": d.ID.String(),
				"delegator_id":  d.DelegatorID,
				"end_at":        d.EndAt,
				"via":           via,
			},
		})
		if err != nil {
			logger.Warn("audit delegation expiry", slog.String("delegation_id", d.ID.String()), slog.Any("error", err))
		}
	}
}
