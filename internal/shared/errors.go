package shared

import "errors"

var (
	// ErrNotFound indicates an unknown subject, department, role, menu or delegation.
	ErrNotFound = errors.New("not found")
	// ErrGrantConflict indicates a constraint violation while writing a grant.
	ErrGrantConflict = errors.New("grant conflict")
	// ErrInsufficientGrantToDelegate occurs when a delegator asks for more than they hold.
	ErrInsufficientGrantToDelegate = errors.New("insufficient grant to delegate")
	// ErrDuplicateDelegation occurs when an overlapping active delegation already exists.
	ErrDuplicateDelegation = errors.New("duplicate delegation")
	// ErrForbidden indicates the actor may not perform the mutation.
	ErrForbidden = errors.New("forbidden")
	// ErrNoGrantsFound occurs when copying from a scope without grants.
	ErrNoGrantsFound = errors.New("no grants found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)
