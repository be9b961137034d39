package mapreduce

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/lock"
	"github.com/deepnoodle-ai/mapreduce/worktree"
)

// ErrorKind classifies every error the engine returns.
type ErrorKind string

const (
	// KindItemFailed is a single failed attempt on a work item.
	KindItemFailed ErrorKind = "item_failed"

	// KindItemExhausted means an item used all of its attempts.
	KindItemExhausted ErrorKind = "item_exhausted"

	// KindTimeout is an agent attempt that exceeded its timeout.
	KindTimeout ErrorKind = "timeout"

	// KindStepFailed is a Setup or Reduce step that exited non-zero.
	KindStepFailed ErrorKind = "step_failed"

	// KindCheckpointWrite covers failed or inconsistent checkpoint saves.
	KindCheckpointWrite ErrorKind = "checkpoint_write"

	// KindCheckpointIncompatible is a checkpoint written by a newer version.
	KindCheckpointIncompatible ErrorKind = "checkpoint_incompatible"

	// KindCheckpointCorrupt is a checkpoint that cannot be decoded or whose
	// integrity hash does not match.
	KindCheckpointCorrupt ErrorKind = "checkpoint_corrupt"

	KindLockContention ErrorKind = "lock_contention"
	KindWorktree       ErrorKind = "worktree"
	KindMerge          ErrorKind = "merge"
	KindInput          ErrorKind = "input"
	KindValidation     ErrorKind = "validation"

	// KindInterrupted means the job stopped because its context was
	// cancelled. The job is resumable.
	KindInterrupted ErrorKind = "interrupted"

	KindNotFound ErrorKind = "not_found"
)

// Error is the structured error returned by the engine. It supports
// errors.Is and errors.As through Unwrap.
type Error struct {
	Kind  ErrorKind
	Op    string
	JobID string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.JobID != "" {
		msg = fmt.Sprintf("%s (job %s)", msg, e.JobID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op, jobID string, err error) *Error {
	return &Error{Kind: kind, Op: op, JobID: jobID, Err: err}
}

func errorf(kind ErrorKind, op, jobID, format string, args ...any) *Error {
	return newError(kind, op, jobID, fmt.Errorf(format, args...))
}

// ClassifyError converts any error into an *Error. Errors from the lock,
// worktree and dlq packages, and context errors, are mapped to their kinds.
// Unknown errors are classified as item failures.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}
	var mrErr *Error
	if errors.As(err, &mrErr) {
		return mrErr
	}
	var wtErr *worktree.Error
	switch {
	case errors.Is(err, lock.ErrContention):
		return newError(KindLockContention, "", "", err)
	case errors.As(err, &wtErr):
		if wtErr.Op == "merge" {
			return newError(KindMerge, "", "", err)
		}
		return newError(KindWorktree, "", "", err)
	case errors.Is(err, dlq.ErrNotFound):
		return newError(KindNotFound, "", "", err)
	case errors.Is(err, context.Canceled):
		return newError(KindInterrupted, "", "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "", "", err)
	}
	return newError(KindItemFailed, "", "", err)
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return ClassifyError(err).Kind
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Resumable reports whether a job that stopped with err can be resumed.
// Incompatible or corrupt checkpoints and invalid definitions need manual
// intervention first.
func Resumable(err error) bool {
	switch KindOf(err) {
	case KindCheckpointIncompatible, KindCheckpointCorrupt, KindValidation, KindLockContention:
		return false
	}
	return true
}
