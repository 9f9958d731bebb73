package errors

import (
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrValidation is returned when caller input is malformed: a negative
	// TTL, an unknown access level, or a missing required field.
	ErrValidation = errors.New("validation failed")

	// ErrAccessDenied is returned when the caller fails the ACL check for
	// a resource.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound is returned when a requested resource is absent or has
	// expired.
	ErrNotFound = errors.New("resource not found")

	// ErrStorage is returned when the underlying store fails. The engine
	// surfaces these without retrying.
	ErrStorage = errors.New("storage failure")

	// ErrSync is returned at the sync transport boundary when a peer is
	// unreachable or times out. It is always caught there, logged, and
	// reflected only in metrics.
	ErrSync = errors.New("sync failure")

	// ErrConsolidationConflict is returned internally when two merge
	// candidates rank equally; the consolidation job resolves it
	// deterministically.
	ErrConsolidationConflict = errors.New("consolidation conflict")
)

// Wrap wraps an error with additional context
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience function that wraps errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target, and if so, sets
// target to that error value and returns true. Otherwise, it returns false.
// This is a convenience function that wraps errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
