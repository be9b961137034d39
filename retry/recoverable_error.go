package retry

import (
	"context"
	"errors"
	"slices"
)

// RecoverableError is implemented by errors that know whether another
// attempt could succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err is worth another attempt. An error
// marked with Transient or Permanent decides for itself. Deadline errors
// are retried, cancellation and unmarked errors are not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var marked RecoverableError
	if errors.As(err, &marked) {
		return marked.IsRecoverable()
	}
	return errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

type markedError struct {
	err         error
	recoverable bool
}

func (e *markedError) Error() string       { return e.err.Error() }
func (e *markedError) Unwrap() error       { return e.err }
func (e *markedError) IsRecoverable() bool { return e.recoverable }

// Transient marks err as worth another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, recoverable: true}
}

// Permanent marks err as final, even when it wraps a deadline.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err}
}

// ExitCodes classifies process exit codes. Codes listed in Permanent never
// get another attempt; every other non-zero code is transient.
type ExitCodes struct {
	Permanent []int
}

// Recoverable reports whether a process that exited with code should be
// retried.
func (c ExitCodes) Recoverable(code int) bool {
	if code == 0 {
		return false
	}
	return !slices.Contains(c.Permanent, code)
}

// Wrap marks err according to the exit code classification.
func (c ExitCodes) Wrap(code int, err error) error {
	if c.Recoverable(code) {
		return Transient(err)
	}
	return Permanent(err)
}
