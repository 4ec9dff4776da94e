package grants

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// ScopeKind distinguishes the three grant tables.
type ScopeKind string

const (
	KindPersonal   ScopeKind = "personal"
	KindRole       ScopeKind = "role"
	KindDepartment ScopeKind = "department"
)

// ParseScopeKind validates a scope kind string.
func ParseScopeKind(raw string) (ScopeKind, error) {
	switch kind := ScopeKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindPersonal, KindRole, KindDepartment:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown scope kind %q", shared.ErrValidation, raw)
	}
}

// Action is one of the four capabilities a board exposes.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// Actions lists every action in canonical order.
func Actions() []Action {
	return []Action{ActionView, ActionCreate, ActionEdit, ActionDelete}
}

// ParseAction validates an action string.
func ParseAction(raw string) (Action, error) {
	switch action := Action(strings.ToLower(strings.TrimSpace(raw))); action {
	case ActionView, ActionCreate, ActionEdit, ActionDelete:
		return action, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", shared.ErrValidation, raw)
	}
}

// DataScope limits which rows a granted capability applies to.
// Ordered own < department < company < all.
type DataScope string

const (
	ScopeOwn        DataScope = "own"
	ScopeDepartment DataScope = "department"
	ScopeCompany    DataScope = "company"
	ScopeAll        DataScope = "all"
)

// ParseDataScope validates a data scope; the empty string means own.
func ParseDataScope(raw string) (DataScope, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ScopeOwn, nil
	}
	scope := DataScope(raw)
	if scope.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown data scope %q", shared.ErrValidation, raw)
	}
	return scope, nil
}

// Rank returns the position of the scope in the partial order, or -1 when unknown.
func (d DataScope) Rank() int {
	switch d {
	case ScopeOwn:
		return 0
	case ScopeDepartment:
		return 1
	case ScopeCompany:
		return 2
	case ScopeAll:
		return 3
	default:
		return -1
	}
}

// AtMost reports whether d is no wider than other.
func (d DataScope) AtMost(other DataScope) bool {
	return d.Rank() >= 0 && d.Rank() <= other.Rank()
}

// Capabilities is the four-boolean capability value for one menu.
type Capabilities struct {
	View   bool `json:"view"`
	Create bool `json:"create"`
	Edit   bool `json:"edit"`
	Delete bool `json:"delete"`
}

// Allows reports whether the action is granted.
func (c Capabilities) Allows(action Action) bool {
	switch action {
	case ActionView:
		return c.View
	case ActionCreate:
		return c.Create
	case ActionEdit:
		return c.Edit
	case ActionDelete:
		return c.Delete
	default:
		return false
	}
}

// Any reports whether at least one capability is granted.
func (c Capabilities) Any() bool {
	return c.View || c.Create || c.Edit || c.Delete
}

// Intersect returns the bitwise AND of both capability values.
func (c Capabilities) Intersect(other Capabilities) Capabilities {
	return Capabilities{
		View:   c.View && other.View,
		Create: c.Create && other.Create,
		Edit:   c.Edit && other.Edit,
		Delete: c.Delete && other.Delete,
	}
}

// Covers reports whether every capability in other is also granted by c.
func (c Capabilities) Covers(other Capabilities) bool {
	return c.Intersect(other) == other
}

// Missing lists the actions other asks for that c does not grant.
func (c Capabilities) Missing(other Capabilities) []Action {
	var missing []Action
	for _, action := range Actions() {
		if other.Allows(action) && !c.Allows(action) {
			missing = append(missing, action)
		}
	}
	return missing
}

// CapabilitySet is the full resolved value for one menu: capabilities plus a
// data scope hint. Sets from different sources are never merged.
type CapabilitySet struct {
	Capabilities
	DataScope DataScope `json:"data_scope"`
}

// DefaultDeny is the result when no source defines the menu.
func DefaultDeny() CapabilitySet {
	return CapabilitySet{DataScope: ScopeOwn}
}

// Covers reports whether s grants at least everything in other, including a
// data scope at least as wide.
func (s CapabilitySet) Covers(other CapabilitySet) bool {
	return s.Capabilities.Covers(other.Capabilities) && other.DataScope.AtMost(s.DataScope)
}

// Grant is a persisted capability assignment.
type Grant struct {
	Kind      ScopeKind     `json:"scope_kind"`
	ScopeID   string        `json:"scope_id"`
	MenuCode  string        `json:"menu_code"`
	Caps      CapabilitySet `json:"caps"`
	UpdatedAt time.Time     `json:"updated_at"`
}
