// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// RespondError maps engine error kinds to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrInsufficientGrantToDelegate):
		Problem(w, http.StatusUnprocessableEntity, "Insufficient Grant To Delegate", err.Error())
	case errors.Is(err, shared.ErrNoGrantsFound):
		Problem(w, http.StatusUnprocessableEntity, "No Grants Found", err.Error())
	case errors.Is(err, shared.ErrDuplicateDelegation):
		Problem(w, http.StatusConflict, "Duplicate Delegation", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, shared.ErrGrantConflict):
		Problem(w, http.StatusConflict, "Grant Conflict", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
