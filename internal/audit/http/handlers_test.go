package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/boardauthz/internal/audit"
)

type stubTimelineService struct {
	result      audit.Result
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func newAuditHandler(t *testing.T, service *stubTimelineService) http.Handler {
	t.Helper()
	handler := NewHandler(nil, service)
	handler.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func TestTimelineReturnsRows(t *testing.T) {
	rows := []audit.Entry{{SubjectID: "E100", MenuCode: "accident", ActionKind: audit.KindCheck, Outcome: audit.OutcomeDeny, Actor: "E100"}}
	service := &stubTimelineService{result: audit.Result{Rows: rows, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}}
	req := httptest.NewRequest(http.MethodGet, "/audit?from=2024-03-01&to=2024-03-15&outcome=deny", nil)
	rr := httptest.NewRecorder()
	newAuditHandler(t, service).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body audit.Result
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Rows) != 1 || body.Rows[0].SubjectID != "E100" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if service.lastFilters.From.Format("2006-01-02") != "2024-03-01" {
		t.Fatalf("unexpected filters: %+v", service.lastFilters)
	}
	if service.lastFilters.To.Format("2006-01-02") != "2024-03-16" {
		t.Fatalf("expected exclusive upper bound, got %s", service.lastFilters.To)
	}
	if service.lastFilters.Outcome != "deny" {
		t.Fatalf("expected outcome filter, got %q", service.lastFilters.Outcome)
	}
}

func TestTimelineDefaultsToLastWeek(t *testing.T) {
	service := &stubTimelineService{}
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	rr := httptest.NewRecorder()
	newAuditHandler(t, service).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if service.lastFilters.From.Format("2006-01-02") != "2024-03-08" {
		t.Fatalf("unexpected from: %s", service.lastFilters.From)
	}
	if service.lastFilters.PageSize != defaultPageSize {
		t.Fatalf("unexpected page size: %d", service.lastFilters.PageSize)
	}
}

func TestTimelineRejectsBadRange(t *testing.T) {
	cases := []string{
		"/audit?from=2024-03-10&to=2024-03-01",
		"/audit?from=2023-01-01&to=2024-03-01",
		"/audit?to=yesterday",
		"/audit?page=0",
	}
	for _, target := range cases {
		rr := httptest.NewRecorder()
		newAuditHandler(t, &stubTimelineService{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}
