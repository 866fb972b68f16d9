package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a role, privilege or actor identifier that does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a duplicate slug on create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrProtected indicates an attempt to delete or strip a protected resource,
	// including removing the last holder of a required role.
	ErrProtected = errors.New("protected resource")
	// ErrInvariant indicates a state-machine violation, e.g. suspending an
	// actor who already has an open suspension.
	ErrInvariant = errors.New("invariant violation")
)

// ResolutionError wraps a datastore or cache failure raised while computing
// an actor's effective privileges. It is the only error class the
// authorization gate converts into a deny under the fail-closed policy.
type ResolutionError struct {
	Op  string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("authz: %s: %v", e.Op, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// NewResolutionError wraps err with the failing operation name.
func NewResolutionError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ResolutionError{Op: op, Err: err}
}

// IsResolutionFailure reports whether err belongs to the resolution failure class.
func IsResolutionFailure(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
