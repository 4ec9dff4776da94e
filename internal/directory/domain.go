package directory

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// SubjectKind distinguishes internal employees from partner accounts.
type SubjectKind string

const (
	KindEmployee SubjectKind = "employee"
	KindPartner  SubjectKind = "partner"
)

// ParseSubjectKind validates a subject kind; empty means employee.
func ParseSubjectKind(raw string) (SubjectKind, error) {
	switch kind := SubjectKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case "":
		return KindEmployee, nil
	case KindEmployee, KindPartner:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown subject kind %q", shared.ErrValidation, raw)
	}
}

// Subject is a principal whose permissions are resolved.
type Subject struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Kind         SubjectKind `json:"kind"`
	DepartmentID *string     `json:"department_id,omitempty"`
	Roles        []string    `json:"roles"`
	Active       bool        `json:"active"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Role is a named grant scope with a numeric level; higher outranks lower.
type Role struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Level   int    `json:"level"`
	IsAdmin bool   `json:"is_admin"`
}

// Menu identifies a board or feature.
type Menu struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// SubjectInput carries a directory sync payload for one subject.
type SubjectInput struct {
	ID           string
	Name         string
	Kind         string
	DepartmentID *string
	Roles        []string
	Active       bool
}
