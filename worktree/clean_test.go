package worktree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	ctx := context.Background()
	m, git := newTestManager(t)
	for _, jobID := range []string{"job_a", "job_b"} {
		parent, err := m.EnsureParent(ctx, jobID, nil)
		require.NoError(t, err)
		_, _, err = m.AcquireItem(ctx, jobID, parent, 0, nil)
		require.NoError(t, err)
	}

	_, err := m.Clean(ctx, CleanOptions{})
	require.Error(t, err)

	dry, err := m.Clean(ctx, CleanOptions{All: true, DryRun: true})
	require.NoError(t, err)
	require.True(t, dry.DryRun)
	require.Len(t, dry.Removed["job_a"], 2)
	require.Len(t, dry.Removed["job_b"], 2)
	jobs, err := m.ListJobs()
	require.NoError(t, err)
	require.Equal(t, []string{"job_a", "job_b"}, jobs)

	busy := func(jobID string) (bool, error) { return jobID == "job_b", nil }
	result, err := m.Clean(ctx, CleanOptions{All: true, InUse: busy})
	require.NoError(t, err)
	require.Len(t, result.Removed["job_a"], 2)
	require.Contains(t, result.Skipped, "job_b")

	ok, err := git.BranchExists(ctx, "", ItemBranch("job_a", 0))
	require.NoError(t, err)
	require.False(t, ok, "item branches are deleted")
	ok, err = git.BranchExists(ctx, "", ParentBranch("job_a"))
	require.NoError(t, err)
	require.True(t, ok, "parent branch holds the merged results")

	forced, err := m.Clean(ctx, CleanOptions{JobID: "job_b", Force: true, InUse: busy})
	require.NoError(t, err)
	require.Len(t, forced.Removed["job_b"], 2)
	jobs, err = m.ListJobs()
	require.NoError(t, err)
	require.Empty(t, jobs)
}
