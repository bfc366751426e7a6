// Package fail defines the failure taxonomy shared by the worker,
// pool controller and collaborator clients. Classification decides
// whether the queue re-delivers a job or fails it terminally.
package fail

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable failure class recorded on a job.
type Kind string

const (
	// KindValidation marks bad input. Never retried.
	KindValidation Kind = "validation_error"

	// KindBackendTransient marks timeouts and rate limits from the
	// environment backend. Retried with backoff by the queue.
	KindBackendTransient Kind = "backend_transient_error"

	// KindBackendTerminal marks quota exhaustion and invalid specs.
	// Surfaced immediately, no retry.
	KindBackendTerminal Kind = "backend_terminal_error"

	// KindReset marks a failed environment reset. The environment is
	// destroyed rather than recycled.
	KindReset Kind = "reset_failure"

	// KindCollaborator marks a credential acquirer or content transfer
	// failure. Surfaced on the job with the collaborator's message.
	KindCollaborator Kind = "collaborator_error"
)

// Error carries a failure kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with the given kind.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify returns the failure kind of err. Unclassified errors count
// as transient so the queue's bounded retry policy gets a chance to
// absorb them.
func Classify(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindBackendTransient
}

// Retryable reports whether the queue should re-deliver a job that
// failed with err.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindValidation, KindBackendTerminal, KindCollaborator:
		return false
	}
	return true
}
