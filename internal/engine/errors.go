package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass tells the pool whether a failed attempt may be retried.
type ErrorClass string

const (
	// ErrorClassTransient covers timeouts, connection resets, rate limits and
	// 5xx-class responses. The task is requeued while budget remains.
	ErrorClassTransient ErrorClass = "TRANSIENT"

	// ErrorClassPermanent fails the task at once regardless of budget.
	ErrorClassPermanent ErrorClass = "PERMANENT"
)

// TransientError marks a recoverable failure. RetryAfter, when positive,
// replaces the exponential backoff for the next attempt.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify reports how the pool should treat err. Processors are expected to
// return TransientError or PermanentError; anything else is treated as
// transient so an unexpected failure is retried rather than dropped. A
// PermanentError anywhere in the chain wins over a TransientError.
func Classify(err error) (ErrorClass, time.Duration) {
	if err == nil {
		return "", 0
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ErrorClassPermanent, 0
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return ErrorClassTransient, tr.RetryAfter
	}
	return ErrorClassTransient, 0
}
