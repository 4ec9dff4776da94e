// Package permcache holds resolved permission decisions keyed by subject and
// menu. Entries are re-derivable; dropping any of them is always safe.
package permcache

import (
	"context"
	"time"

	"github.com/odyssey-erp/boardauthz/internal/grants"
)

// Source names the precedence step that produced a decision.
type Source string

const (
	SourceDelegation Source = "delegation"
	SourcePersonal   Source = "personal"
	SourceDepartment Source = "department"
	SourceRole       Source = "role"
	SourceDefault    Source = "default"
)

// Decision is a cached resolution for one subject and menu.
type Decision struct {
	SubjectID  string               `json:"subject_id"`
	MenuCode   string               `json:"menu_code"`
	Resolved   grants.CapabilitySet `json:"resolved"`
	Source     Source               `json:"source"`
	SourceID   string               `json:"source_id,omitempty"`
	ComputedAt time.Time            `json:"computed_at"`
	ExpiresAt  time.Time            `json:"expires_at"`
}

// Fresh reports whether the decision may still be served at now.
func (d Decision) Fresh(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}

// Cache stores decisions. Put is an idempotent overwrite.
type Cache interface {
	Get(ctx context.Context, subjectID, menuCode string) (Decision, bool, error)
	Put(ctx context.Context, d Decision) error
	Invalidate(ctx context.Context, subjectID, menuCode string) error
	InvalidateSubject(ctx context.Context, subjectID string) error
}

func decisionKey(subjectID, menuCode string) string {
	return "authz:decision:" + subjectID + ":" + menuCode
}

func subjectIndexKey(subjectID string) string {
	return "authz:subject:" + subjectID
}
