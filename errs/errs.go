// Package errs holds the error types returned by the free-water pipeline.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolError reports a b-value source that is missing, empty or unparsable.
type ProtocolError struct {
	Source string
	Msg    string
	Err    error
}

func (e *ProtocolError) Error() string {
	s := "protocol"
	if e.Source != "" {
		s += " " + e.Source
	}
	s += ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError reports a missing argument or a structural mismatch between
// inputs (model, volumes, protocol, TVF map).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// ConvergenceFailure is returned when the trainer runs out of attempts
// without reaching the held-out error threshold.
type ConvergenceFailure struct {
	Attempts  int
	BestMAE   float64
	Threshold float64
}

func (e *ConvergenceFailure) Error() string {
	return fmt.Sprintf("no model reached MAE <= %.4f after %d attempts (best %.4f)",
		e.Threshold, e.Attempts, e.BestMAE)
}

// Protocol builds a ProtocolError.
func Protocol(source, msg string, err error) error {
	return &ProtocolError{Source: source, Msg: msg, Err: err}
}

// Validation builds a ValidationError with a formatted message.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsProtocol reports whether err wraps a *ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConvergence reports whether err wraps a *ConvergenceFailure.
func IsConvergence(err error) bool {
	var cf *ConvergenceFailure
	return errors.As(err, &cf)
}
