package accesshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/boardauthz/internal/batch"
	"github.com/odyssey-erp/boardauthz/internal/delegation"
	"github.com/odyssey-erp/boardauthz/internal/directory"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/hierarchy"
	"github.com/odyssey-erp/boardauthz/internal/platform/httpx"
	"github.com/odyssey-erp/boardauthz/internal/resolver"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// IdempotencyHeader lets clients retry batch requests safely.
const IdempotencyHeader = "Idempotency-Key"

// Service is the operation surface served over HTTP.
type Service interface {
	Check(ctx context.Context, subjectID, menuCode, action string) (resolver.Decision, error)
	Grant(ctx context.Context, kind grants.ScopeKind, scopeID, menuCode string, caps grants.CapabilitySet) (bool, error)
	Revoke(ctx context.Context, kind grants.ScopeKind, scopeID string, menuCode *string) (int, error)
	ListFor(ctx context.Context, kind grants.ScopeKind, scopeID string) ([]grants.Grant, error)
	CopyGrants(ctx context.Context, kind grants.ScopeKind, sourceID string, targetIDs []string) (int, error)
	BatchGrant(ctx context.Context, key string, assignments []batch.Assignment) (batch.Result, error)
	BatchRevoke(ctx context.Context, key string, subjectIDs, menuCodes []string) (batch.Result, error)
	BatchCopy(ctx context.Context, key, sourceID string, targetIDs []string) (batch.Result, error)
	DelegateCreate(ctx context.Context, req delegation.CreateRequest) (delegation.Delegation, error)
	DelegateRevoke(ctx context.Context, id uuid.UUID) (delegation.Delegation, error)
	ListDelegations(ctx context.Context, filter delegation.ListFilter) ([]delegation.Delegation, error)
	ListEffective(ctx context.Context, subjectID string) (map[string]grants.CapabilitySet, error)
	SyncDepartments(ctx context.Context, inputs []hierarchy.DepartmentInput) (hierarchy.SyncResult, error)
	SyncSubject(ctx context.Context, input directory.SubjectInput) (directory.Subject, error)
	SyncRole(ctx context.Context, role directory.Role) (directory.Role, error)
	SyncMenu(ctx context.Context, menu directory.Menu) (directory.Menu, error)
}

// Handler serves the permission engine API.
type Handler struct {
	logger    *slog.Logger
	service   Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subject := strings.TrimSpace(q.Get("subject"))
	menu := strings.TrimSpace(q.Get("menu"))
	if subject == "" || menu == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "subject and menu are required")
		return
	}
	decision, err := h.service.Check(r.Context(), subject, menu, q.Get("action"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.scopeKind(w, r)
	if !ok {
		return
	}
	var req capsRequest
	if !h.decode(w, r, &req) {
		return
	}
	updated, err := h.service.Grant(r.Context(), kind, chi.URLParam(r, "scopeID"), chi.URLParam(r, "menu"), req.set())
	if err != nil {
		h.fail(w, "grant", err)
		return
	}
	status := http.StatusCreated
	if updated {
		status = http.StatusOK
	}
	httpx.JSON(w, status, map[string]any{"ok": true, "updated": updated})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.scopeKind(w, r)
	if !ok {
		return
	}
	var menu *string
	if m := chi.URLParam(r, "menu"); m != "" {
		menu = &m
	}
	removed, err := h.service.Revoke(r.Context(), kind, chi.URLParam(r, "scopeID"), menu)
	if err != nil {
		h.fail(w, "revoke", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (h *Handler) handleListFor(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.scopeKind(w, r)
	if !ok {
		return
	}
	rows, err := h.service.ListFor(r.Context(), kind, chi.URLParam(r, "scopeID"))
	if err != nil {
		h.fail(w, "list grants", err)
		return
	}
	if rows == nil {
		rows = []grants.Grant{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": rows})
}

func (h *Handler) handleCopy(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.scopeKind(w, r)
	if !ok {
		return
	}
	var req copyRequest
	if !h.decode(w, r, &req) {
		return
	}
	copied, err := h.service.CopyGrants(r.Context(), kind, chi.URLParam(r, "scopeID"), req.TargetIDs)
	if err != nil {
		h.fail(w, "copy grants", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"copied": copied})
}

func (h *Handler) handleBatchGrant(w http.ResponseWriter, r *http.Request) {
	var req batchGrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.BatchGrant(r.Context(), idempotencyKey(r), req.assignments())
	if err != nil {
		h.fail(w, "batch grant", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"granted": res.Granted, "affected_subjects": res.AffectedSubjects})
}

func (h *Handler) handleBatchRevoke(w http.ResponseWriter, r *http.Request) {
	var req batchRevokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.BatchRevoke(r.Context(), idempotencyKey(r), req.SubjectIDs, req.MenuCodes)
	if err != nil {
		h.fail(w, "batch revoke", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": res.Revoked})
}

func (h *Handler) handleBatchCopy(w http.ResponseWriter, r *http.Request) {
	var req batchCopyRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.BatchCopy(r.Context(), idempotencyKey(r), req.SourceID, req.TargetIDs)
	if err != nil {
		h.fail(w, "batch copy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"copied": res.Copied, "affected_subjects": res.AffectedSubjects})
}

func (h *Handler) handleDelegateCreate(w http.ResponseWriter, r *http.Request) {
	var req delegationRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.service.DelegateCreate(r.Context(), req.createRequest())
	if err != nil {
		h.fail(w, "create delegation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"delegation_id": d.ID, "delegation": d})
}

func (h *Handler) handleDelegateRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid delegation id")
		return
	}
	d, err := h.service.DelegateRevoke(r.Context(), id)
	if err != nil {
		h.fail(w, "revoke delegation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": true, "delegation": d})
}

func (h *Handler) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := delegation.ParseStatus(q.Get("status"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.ListDelegations(r.Context(), delegation.ListFilter{
		DelegatorID: q.Get("delegator"),
		DelegateID:  q.Get("delegate"),
		MenuCode:    q.Get("menu"),
		Status:      status,
	})
	if err != nil {
		h.fail(w, "list delegations", err)
		return
	}
	if rows == nil {
		rows = []delegation.Delegation{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"delegations": rows})
}

func (h *Handler) handleListEffective(w http.ResponseWriter, r *http.Request) {
	caps, err := h.service.ListEffective(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "list effective", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"subject_id": chi.URLParam(r, "id"), "menus": caps})
}

func (h *Handler) handleSyncDepartments(w http.ResponseWriter, r *http.Request) {
	var req departmentSyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.SyncDepartments(r.Context(), req.inputs())
	if err != nil {
		h.fail(w, "sync departments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleSyncSubject(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !h.decode(w, r, &req) {
		return
	}
	subject, err := h.service.SyncSubject(r.Context(), req.input(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "sync subject", err)
		return
	}
	httpx.JSON(w, http.StatusOK, subject)
}

func (h *Handler) handleSyncRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.SyncRole(r.Context(), directory.Role{
		Code:    chi.URLParam(r, "code"),
		Name:    req.Name,
		Level:   req.Level,
		IsAdmin: req.IsAdmin,
	})
	if err != nil {
		h.fail(w, "sync role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) handleSyncMenu(w http.ResponseWriter, r *http.Request) {
	var req menuRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	menu, err := h.service.SyncMenu(r.Context(), directory.Menu{Code: chi.URLParam(r, "code"), Name: req.Name, Active: active})
	if err != nil {
		h.fail(w, "sync menu", err)
		return
	}
	httpx.JSON(w, http.StatusOK, menu)
}

func (h *Handler) scopeKind(w http.ResponseWriter, r *http.Request) (grants.ScopeKind, bool) {
	kind, err := grants.ParseScopeKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpx.RespondError(w, err)
		return "", false
	}
	return kind, true
}

// decode reads and validates a JSON body, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+strings.Join(fields, ", "))
			return false
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrForbidden),
		errors.Is(err, shared.ErrInsufficientGrantToDelegate),
		errors.Is(err, shared.ErrDuplicateDelegation),
		errors.Is(err, shared.ErrNoGrantsFound),
		errors.Is(err, shared.ErrIdempotencyConflict):
		h.logger.Info(op+" rejected", slog.Any("error", err))
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdempotencyHeader))
}
