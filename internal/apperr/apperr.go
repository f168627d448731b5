// Package apperr defines the error taxonomy shared by the agent components.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) and callers
// classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrUnavailable  = errors.New("dependency unavailable")
	ErrGeneration   = errors.New("generation error")
	ErrInvalidState = errors.New("invalid state")
	ErrNotFound     = errors.New("not found")
	// ErrConflict reports a lost optimistic write. Stores return it and the
	// memory layer retries; it should never reach the API layer.
	ErrConflict = errors.New("write conflict")
)

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func Unavailable(format string, args ...any) error {
	return wrap(ErrUnavailable, format, args...)
}

func Generation(format string, args ...any) error {
	return wrap(ErrGeneration, format, args...)
}

func InvalidState(format string, args ...any) error {
	return wrap(ErrInvalidState, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

// Kind maps an error onto a stable machine-readable code.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrGeneration):
		return "generation_failed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
