package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the spec source does not exist.
	ErrNotFound = errors.New("spec source not found")
	// ErrEmptyInput is returned when no usable rows remain after parsing.
	ErrEmptyInput = errors.New("no usable app specifications")
)

// ValidationError reports a malformed input schema. It is fatal to the run and
// always raised before any job starts.
type ValidationError struct {
	Missing []string
	Message string
}

func (e ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("validation error: missing required columns: %s", strings.Join(e.Missing, ", "))
	}
	return "validation error: " + e.Message
}

// InfrastructureError wraps a setup failure such as an output directory that
// cannot be created.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure error: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// IsSetupError reports whether err belongs to the class of errors that abort a
// run before any job starts.
func IsSetupError(err error) bool {
	var ve ValidationError
	var ie *InfrastructureError
	return errors.As(err, &ve) || errors.As(err, &ie) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmptyInput)
}
