package delegation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// Status is the delegation lifecycle state. Revoked and expired are terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// ParseStatus validates a status filter; empty means any.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case "", StatusActive, StatusRevoked, StatusExpired:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown delegation status %q", shared.ErrValidation, raw)
	}
}

// Delegation is a time-bounded hand-off of capabilities on one menu.
type Delegation struct {
	ID          uuid.UUID            `json:"id"`
	DelegatorID string               `json:"delegator_id"`
	DelegateID  string               `json:"delegate_id"`
	MenuCode    string               `json:"menu_code"`
	Granted     grants.CapabilitySet `json:"granted"`
	StartAt     time.Time            `json:"start_at"`
	EndAt       time.Time            `json:"end_at"`
	Reason      string               `json:"reason"`
	Status      Status               `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	RevokedBy   *string              `json:"revoked_by,omitempty"`
	RevokedAt   *time.Time           `json:"revoked_at,omitempty"`
}

// Covers reports whether the window contains now.
func (d Delegation) Covers(now time.Time) bool {
	return !now.Before(d.StartAt) && now.Before(d.EndAt)
}

// Lapsed reports whether the window ended before now.
func (d Delegation) Lapsed(now time.Time) bool {
	return d.EndAt.Before(now)
}

// CreateRequest carries delegate_create input. An empty data scope inherits
// the delegator's own scope.
type CreateRequest struct {
	DelegatorID string
	DelegateID  string
	MenuCode    string
	Caps        grants.CapabilitySet
	StartAt     time.Time
	EndAt       time.Time
	Reason      string
}

// ListFilter narrows List results.
type ListFilter struct {
	DelegatorID string
	DelegateID  string
	MenuCode    string
	Status      Status
	Limit       int
}
