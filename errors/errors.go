// Package errors carries the retryable-vs-unretriable classification that the
// pipeline reports to the surrounding task queue. An unretriable error means
// the job will fail the same way on redelivery (e.g. a malformed source), so
// the queue should not try again; everything else is assumed transient.
package errors

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
)

type unretriable interface {
	Unretriable() bool
}

type unretriableError struct {
	err error
}

func (e unretriableError) Error() string {
	return e.err.Error()
}

func (e unretriableError) Unwrap() error {
	return e.err
}

func (e unretriableError) Unretriable() bool {
	return true
}

// Unretriable marks an error as non-retryable. The returned error also
// unwraps to a backoff.PermanentError so that any backoff.Retry loop it
// bubbles through stops immediately.
func Unretriable(err error) error {
	return unretriableError{backoff.Permanent(err)}
}

// IsUnretriable reports whether any error in err's chain is unretriable.
func IsUnretriable(err error) bool {
	var u unretriable
	return errors.As(err, &u) && u.Unretriable()
}

// ObjectNotFoundError is returned by storage lookups for missing objects. It
// is unretriable, but deliberately not a backoff.PermanentError: callers
// often probe for checkpoints in a retry loop and want to keep polling.
type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string {
	return e.msg
}

func (e ObjectNotFoundError) Unwrap() error {
	return e.cause
}

func (e ObjectNotFoundError) Unretriable() bool {
	return true
}

func NewObjectNotFoundError(msg string, cause error) error {
	return ObjectNotFoundError{msg: msg, cause: cause}
}

func IsObjectNotFound(err error) bool {
	var onf ObjectNotFoundError
	return errors.As(err, &onf)
}
