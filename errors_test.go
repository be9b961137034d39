package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/lock"
	"github.com/deepnoodle-ai/mapreduce/worktree"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := errorf(KindStepFailed, "reduce", "job_1", "step %d failed", 2)
	require.Equal(t, "reduce: step_failed (job job_1): step 2 failed", err.Error())

	bare := newError(KindNotFound, "", "", nil)
	require.Equal(t, "not_found", bare.Error())
	require.Nil(t, bare.Unwrap())
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("saving: %w", newError(KindCheckpointWrite, "save checkpoint", "job_1", cause))

	require.True(t, errors.Is(err, cause))
	var mrErr *Error
	require.True(t, errors.As(err, &mrErr))
	require.Equal(t, KindCheckpointWrite, mrErr.Kind)
	require.Equal(t, "job_1", mrErr.JobID)
	require.True(t, IsKind(err, KindCheckpointWrite))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"lock contention", fmt.Errorf("acquire: %w", lock.ErrContention), KindLockContention},
		{"merge", &worktree.Error{Op: "merge", Path: "/wt", Err: errors.New("conflict")}, KindMerge},
		{"worktree create", &worktree.Error{Op: "create", Path: "/wt", Err: errors.New("exists")}, KindWorktree},
		{"dlq entry", fmt.Errorf("get: %w", dlq.ErrNotFound), KindNotFound},
		{"cancelled", context.Canceled, KindInterrupted},
		{"deadline", fmt.Errorf("agent: %w", context.DeadlineExceeded), KindTimeout},
		{"unknown", errors.New("boom"), KindItemFailed},
		{"already classified", errorf(KindInput, "load items", "", "bad json"), KindInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(tt.err)
			require.Equal(t, tt.kind, classified.Kind)
			require.ErrorIs(t, classified, tt.err)
		})
	}
	require.Nil(t, ClassifyError(nil))
	require.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestResumable(t *testing.T) {
	require.True(t, Resumable(errorf(KindInterrupted, "run", "job_1", "stopped")))
	require.True(t, Resumable(errorf(KindStepFailed, "reduce", "job_1", "exit 1")))
	require.True(t, Resumable(errorf(KindCheckpointWrite, "save", "job_1", "disk full")))
	require.False(t, Resumable(errorf(KindCheckpointCorrupt, "load", "job_1", "hash mismatch")))
	require.False(t, Resumable(errorf(KindCheckpointIncompatible, "load", "job_1", "version 9")))
	require.False(t, Resumable(errorf(KindValidation, "plan", "job_1", "bad")))
	require.False(t, Resumable(lock.ErrContention))
}
