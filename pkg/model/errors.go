package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the abstract failure kinds crossing the API boundary.
// Check with errors.Is; layers wrap these with context via fmt.Errorf and %w.
var (
	// ErrNotFound: a trace, step, snapshot, or policy referenced by id or
	// prefix does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput: missing required field, failed enumeration check,
	// negative numeric, or a uniqueness violation (policy name,
	// (trace_id, step_number)).
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidState: appending to a non-running trace, or forking past the
	// last step / a trace with no steps.
	ErrInvalidState = errors.New("invalid state")

	// ErrParse: a judge response carried no extractable JSON.
	ErrParse = errors.New("parse error")
)

// Invalidf wraps ErrInvalidInput with a field-path-prefixed message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...)
}
