package audit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// Repository menyediakan akses ke penyimpanan audit.
type Repository interface {
	Insert(ctx context.Context, entry Entry) error
	Timeline(ctx context.Context, query TimelineQuery) ([]Entry, error)
	RepeatedDenials(ctx context.Context, since time.Time, threshold int) ([]DenialHotspot, error)
}

// Service mengoordinasikan pencatatan dan pengambilan data audit.
type Service struct {
	repo  Repository
	clock func() time.Time
}

// NewService membuat service audit baru.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Record appends one entry. A zero timestamp is stamped with the current time.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	if entry.ActionKind == "" || entry.Outcome == "" {
		return fmt.Errorf("audit: entry requires action kind and outcome")
	}
	if entry.At.IsZero() {
		entry.At = s.clock()
	}
	if err := s.repo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// Timeline mengambil data audit dengan paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	filters.Actor = strings.TrimSpace(filters.Actor)
	filters.Subject = strings.TrimSpace(filters.Subject)
	filters.Menu = strings.TrimSpace(filters.Menu)
	filters.ActionKind = strings.TrimSpace(filters.ActionKind)
	filters.Outcome = strings.TrimSpace(filters.Outcome)
	filters.Page, filters.PageSize = page, pageSize

	rows, err := s.repo.Timeline(ctx, TimelineQuery{
		TimelineFilters: filters,
		Offset:          (page - 1) * pageSize,
		Limit:           pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []Entry{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// RepeatedDenials lists subject and menu pairs denied at least threshold
// times since the given instant.
func (s *Service) RepeatedDenials(ctx context.Context, since time.Time, threshold int) ([]DenialHotspot, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("audit: threshold must be positive")
	}
	return s.repo.RepeatedDenials(ctx, since, threshold)
}
