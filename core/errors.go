package core

import (
	"errors"
	"fmt"
)

// StoreErrorKind distinguishes client-correctable storage failures from
// transient ones the caller may retry.
type StoreErrorKind string

const (
	// StoreConstraint marks a write rejected by a storage-layer constraint
	// (duplicate id, invariant CHECK). Retrying the same write cannot succeed.
	StoreConstraint StoreErrorKind = "constraint"
	// StoreUnavailable marks a failure of the storage engine itself
	// (connection loss, I/O error). The caller may retry.
	StoreUnavailable StoreErrorKind = "unavailable"
)

// StoreError is returned by persistence implementations so the pipeline can
// classify failures without knowing the backend.
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *StoreError) Unwrap() error { return e.Err }

// NewConstraintError wraps err as a constraint violation.
func NewConstraintError(err error) *StoreError {
	return &StoreError{Kind: StoreConstraint, Err: err}
}

// NewUnavailableError wraps err as a storage-unavailable failure.
func NewUnavailableError(err error) *StoreError {
	return &StoreError{Kind: StoreUnavailable, Err: err}
}

// IsConstraint reports whether err is a constraint-violation store error.
func IsConstraint(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == StoreConstraint
}

// IsUnavailable reports whether err is a storage-unavailable error.
func IsUnavailable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == StoreUnavailable
}

// IsValidation reports whether err is a validation failure, unwrapping
// pipeline stage errors along the way.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrNotFound is returned by stores when a referenced observation does not exist.
var ErrNotFound = errors.New("observation not found")

// ErrIllegalTransition is returned when a status update violates the allowed
// transition rules.
var ErrIllegalTransition = errors.New("illegal observation status transition")
