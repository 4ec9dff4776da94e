// Package batch applies personal grant mutations to many subjects at once.
// Each call is one transaction; caches are invalidated only after it commits.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/boardauthz/internal/audit"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

const maxAssignments = 1000

// Store runs grant mutations inside a single transaction.
type Store interface {
	Mutate(ctx context.Context, fn func(context.Context, *grants.Tx) error) error
}

// Invalidator drops cached decisions. A nil menus slice means every menu.
type Invalidator interface {
	Subjects(ctx context.Context, subjects []string, menus []string) int
}

// Auditor appends audit entries.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Assignment is one personal grant in a batch.
type Assignment struct {
	SubjectID string               `json:"subject_id"`
	MenuCode  string               `json:"menu_code"`
	Caps      grants.CapabilitySet `json:"caps"`
}

// Result summarises a committed batch.
type Result struct {
	Granted          int `json:"granted,omitempty"`
	Revoked          int `json:"revoked,omitempty"`
	Copied           int `json:"copied,omitempty"`
	AffectedSubjects int `json:"affected_subjects"`
}

// Service implements batch grant, revoke and copy.
type Service struct {
	store       Store
	invalidator Invalidator
	auditor     Auditor
	logger      *slog.Logger
}

// NewService constructs the batch service.
func NewService(store Store, invalidator Invalidator, auditor Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, invalidator: invalidator, auditor: auditor, logger: logger}
}

// Grant upserts every assignment or none of them.
func (s *Service) Grant(ctx context.Context, key string, assignments []Assignment) (Result, error) {
	if len(assignments) == 0 {
		return Result{}, fmt.Errorf("%w: at least one assignment required", shared.ErrValidation)
	}
	if len(assignments) > maxAssignments {
		return Result{}, fmt.Errorf("%w: at most %d assignments per batch", shared.ErrValidation, maxAssignments)
	}

	touched := make(map[string][]string)
	var res Result
	err := s.store.Mutate(ctx, func(ctx context.Context, tx *grants.Tx) error {
		if err := tx.ClaimKey(ctx, key, "batch.grant"); err != nil {
			return err
		}
		clear(touched)
		res = Result{}
		for i, a := range assignments {
			if _, err := tx.Upsert(ctx, grants.KindPersonal, a.SubjectID, a.MenuCode, a.Caps); err != nil {
				return fmt.Errorf("assignment %d: %w", i, err)
			}
			subject := shared.NormalizeID(a.SubjectID)
			touched[subject] = append(touched[subject], shared.NormalizeMenuCode(a.MenuCode))
			res.Granted++
		}
		return nil
	})
	res.AffectedSubjects = len(touched)
	detail := map[string]any{"assignments": len(assignments)}
	if err != nil {
		s.audit(ctx, audit.KindBatchGrant, err, detail)
		return Result{}, fmt.Errorf("batch: grant: %w", err)
	}

	for subject, menus := range touched {
		s.invalidator.Subjects(ctx, []string{subject}, menus)
	}
	detail["granted"] = res.Granted
	detail["affected_subjects"] = res.AffectedSubjects
	s.audit(ctx, audit.KindBatchGrant, nil, detail)
	return res, nil
}

// Revoke removes personal grants of every subject for the listed menus, or
// all of their personal grants when menuCodes is empty.
func (s *Service) Revoke(ctx context.Context, key string, subjectIDs, menuCodes []string) (Result, error) {
	subjects := grants.UniqueIDs(subjectIDs, "")
	if len(subjects) == 0 {
		return Result{}, fmt.Errorf("%w: at least one subject required", shared.ErrValidation)
	}
	var menus []string
	for _, code := range menuCodes {
		if code = shared.NormalizeMenuCode(code); code != "" {
			menus = append(menus, code)
		}
	}

	var res Result
	err := s.store.Mutate(ctx, func(ctx context.Context, tx *grants.Tx) error {
		if err := tx.ClaimKey(ctx, key, "batch.revoke"); err != nil {
			return err
		}
		res = Result{}
		for _, subject := range subjects {
			if len(menus) == 0 {
				n, err := tx.Revoke(ctx, grants.KindPersonal, subject, nil)
				if err != nil {
					return err
				}
				res.Revoked += n
				continue
			}
			for _, menu := range menus {
				n, err := tx.Revoke(ctx, grants.KindPersonal, subject, &menu)
				if err != nil {
					return err
				}
				res.Revoked += n
			}
		}
		return nil
	})
	detail := map[string]any{"subjects": len(subjects), "menus": menus}
	if err != nil {
		s.audit(ctx, audit.KindBatchRevoke, err, detail)
		return Result{}, fmt.Errorf("batch: revoke: %w", err)
	}

	res.AffectedSubjects = s.invalidator.Subjects(ctx, subjects, menus)
	detail["revoked"] = res.Revoked
	s.audit(ctx, audit.KindBatchRevoke, nil, detail)
	return res, nil
}

// Copy duplicates the personal grants of sourceID onto every target.
func (s *Service) Copy(ctx context.Context, key, sourceID string, targetIDs []string) (Result, error) {
	sourceID = shared.NormalizeID(sourceID)
	targets := grants.UniqueIDs(targetIDs, sourceID)

	var res Result
	err := s.store.Mutate(ctx, func(ctx context.Context, tx *grants.Tx) error {
		if err := tx.ClaimKey(ctx, key, "batch.copy"); err != nil {
			return err
		}
		n, err := tx.Copy(ctx, grants.KindPersonal, sourceID, targets)
		res = Result{Copied: n}
		return err
	})
	detail := map[string]any{"source_id": sourceID, "targets": len(targets)}
	if err != nil {
		s.audit(ctx, audit.KindBatchCopy, err, detail)
		return Result{}, fmt.Errorf("batch: copy: %w", err)
	}

	res.AffectedSubjects = s.invalidator.Subjects(ctx, targets, nil)
	detail["copied"] = res.Copied
	s.audit(ctx, audit.KindBatchCopy, nil, detail)
	return res, nil
}

func (s *Service) audit(ctx context.Context, kind string, failure error, detail map[string]any) {
	if s.auditor == nil {
		return
	}
	actor, _ := shared.ActorFromContext(ctx)
	outcome := audit.OutcomeSuccess
	if failure != nil {
		outcome = audit.OutcomeFailure
		detail["error"] = failure.Error()
	}
	if err := s.auditor.Record(ctx, audit.Entry{
		SubjectID:  actor,
		ActionKind: kind,
		Outcome:    outcome,
		Actor:      actor,
		Detail:     detail,
	}); err != nil {
		s.logger.Warn("audit batch", slog.String("kind", kind), slog.Any("error", err))
	}
}
