package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/boardauthz/internal/shared"
)

func TestRespondErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", shared.ErrNotFound), http.StatusNotFound},
		{shared.ErrValidation, http.StatusBadRequest},
		{shared.ErrForbidden, http.StatusForbidden},
		{shared.ErrInsufficientGrantToDelegate, http.StatusUnprocessableEntity},
		{shared.ErrNoGrantsFound, http.StatusUnprocessableEntity},
		{shared.ErrDuplicateDelegation, http.StatusConflict},
		{errors.Join(shared.ErrGrantConflict, errors.New("pg")), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, errors.New("connection refused to 10.0.0.3"))
	var body ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Empty(t, body.Detail)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}
