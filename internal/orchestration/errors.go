package orchestration

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a step invocation failure.
//
// Transient failures (network errors, timeouts, 5xx) may be retried at the
// transport layer a bounded number of times. Contract failures (malformed or
// unexpected step responses) and Fatal failures (rejected credentials) abort
// the turn immediately and are never retried.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindContract
	KindFatal
)

// String returns the lowercase kind name for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindContract:
		return "contract"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StepError wraps a failure from a step invocation with its classification.
type StepError struct {
	Step Step
	Kind ErrorKind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s error: %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func newStepError(step Step, kind ErrorKind, err error) *StepError {
	return &StepError{Step: step, Kind: kind, Err: err}
}

func transientErr(step Step, format string, args ...interface{}) *StepError {
	return newStepError(step, KindTransient, fmt.Errorf(format, args...))
}

func contractErr(step Step, format string, args ...interface{}) *StepError {
	return newStepError(step, KindContract, fmt.Errorf(format, args...))
}

func fatalErr(step Step, format string, args ...interface{}) *StepError {
	return newStepError(step, KindFatal, fmt.Errorf(format, args...))
}

// KindOf extracts the classification of err, or KindContract when err is not
// a StepError (an unclassified failure is treated as a broken contract).
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindContract
}

// IsTransient reports whether err is a retriable transport failure.
func IsTransient(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.Kind == KindTransient
}

// IsContract reports whether err is a step contract violation.
func IsContract(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.Kind == KindContract
}

// IsFatal reports whether err is an authentication/authorization failure.
func IsFatal(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.Kind == KindFatal
}
