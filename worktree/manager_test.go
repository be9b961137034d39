package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/mapreduce/internal/testgit"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *testgit.Fake) {
	t.Helper()
	git := testgit.New()
	m, err := NewManager(Options{
		Root:    filepath.Join(t.TempDir(), "worktrees"),
		RepoDir: t.TempDir(),
		Git:     git,
		Pool:    NewRepoPool(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, git
}

func TestParentWorktreeIsReused(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	parent, err := m.EnsureParent(ctx, "job_1", nil)
	require.NoError(t, err)
	require.Equal(t, "mr-job_1", parent.Branch)
	require.Equal(t, "main", parent.BaseBranch)
	require.DirExists(t, parent.Path)

	again, err := m.EnsureParent(ctx, "job_1", parent)
	require.NoError(t, err)
	require.Equal(t, parent, again)

	// Directory lost but branch kept: recreated on the existing branch.
	require.NoError(t, os.RemoveAll(parent.Path))
	recreated, err := m.EnsureParent(ctx, "job_1", parent)
	require.NoError(t, err)
	require.DirExists(t, recreated.Path)
	require.Equal(t, "main", recreated.BaseBranch)
}

func TestItemLifecycle(t *testing.T) {
	ctx := context.Background()
	m, git := newTestManager(t)
	parent, err := m.EnsureParent(ctx, "job_1", nil)
	require.NoError(t, err)

	item, reused, err := m.AcquireItem(ctx, "job_1", parent, 3, nil)
	require.NoError(t, err)
	require.False(t, reused)
	require.Equal(t, "mr-job_1-item-3", item.Branch)
	require.Equal(t, StatusActive, item.Status)

	same, reused, err := m.AcquireItem(ctx, "job_1", parent, 3, item)
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, item.Path, same.Path)

	require.NoError(t, os.WriteFile(filepath.Join(item.Path, "out.txt"), []byte("3"), 0644))
	require.NoError(t, m.MergeItem(ctx, parent, item))
	require.Equal(t, StatusMerged, item.Status)
	require.FileExists(t, filepath.Join(parent.Path, "out.txt"))
	require.Equal(t, []string{"mr-job_1-item-3"}, git.Merged(parent.Path))

	require.NoError(t, m.RemoveItem(ctx, item, true))
	require.NoDirExists(t, item.Path)
	exists, err := git.BranchExists(ctx, "", item.Branch)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMergeFailureIsReported(t *testing.T) {
	ctx := context.Background()
	m, git := newTestManager(t)
	parent, err := m.EnsureParent(ctx, "job_1", nil)
	require.NoError(t, err)
	item, _, err := m.AcquireItem(ctx, "job_1", parent, 0, nil)
	require.NoError(t, err)

	git.MergeErrors[item.Branch] = errors.New("CONFLICT (content)")
	err = m.MergeItem(ctx, parent, item)
	require.Error(t, err)
	require.True(t, IsMergeError(err))
	require.Equal(t, StatusActive, item.Status)
	require.DirExists(t, parent.Path)
}

func TestAcquireItemReplacesStaleBranch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	parent, err := m.EnsureParent(ctx, "job_1", nil)
	require.NoError(t, err)
	first, _, err := m.AcquireItem(ctx, "job_1", parent, 1, nil)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(first.Path))

	second, reused, err := m.AcquireItem(ctx, "job_1", parent, 1, first)
	require.NoError(t, err)
	require.False(t, reused)
	require.DirExists(t, second.Path)
}

func TestRemoveJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	parent, err := m.EnsureParent(ctx, "job_1", nil)
	require.NoError(t, err)
	_, _, err = m.AcquireItem(ctx, "job_1", parent, 0, nil)
	require.NoError(t, err)

	jobs, err := m.ListJobs()
	require.NoError(t, err)
	require.Equal(t, []string{"job_1"}, jobs)

	planned, err := m.RemoveJob(ctx, "job_1", true)
	require.NoError(t, err)
	require.Len(t, planned, 2)
	require.DirExists(t, parent.Path)

	removed, err := m.RemoveJob(ctx, "job_1", false)
	require.NoError(t, err)
	require.Equal(t, planned, removed)
	require.NoDirExists(t, filepath.Join(m.Root(), "job_1"))
}

func TestRepoPoolSharesHandles(t *testing.T) {
	pool := NewRepoPool()
	dir := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(dir, link))

	a, err := pool.Acquire(dir)
	require.NoError(t, err)
	b, err := pool.Acquire(link)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, pool.Len())

	a.Release()
	require.Equal(t, 1, pool.Len())
	b.Release()
	require.Equal(t, 0, pool.Len())
	b.Release()
	require.Equal(t, 0, pool.Len())
}
