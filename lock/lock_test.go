package lock

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, dir string, alive LivenessFunc) *Manager {
	t.Helper()
	m, err := NewManager(Options{Dir: dir, Hostname: "host-a", Alive: alive})
	require.NoError(t, err)
	return m
}

func writeLock(t *testing.T, path string, info Info) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, t.TempDir(), nil)

	guard, err := m.Acquire(ctx, "job_1")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "job_1")
	require.ErrorIs(t, err, ErrContention)
	var contention *ContentionError
	require.True(t, errors.As(err, &contention))
	require.Equal(t, os.Getpid(), contention.Holder.PID)
	require.Equal(t, "host-a", contention.Holder.Hostname)
	require.Contains(t, err.Error(), "remove")

	// Other jobs are unaffected.
	other, err := m.Acquire(ctx, "job_2")
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, guard.Release())
	require.NoError(t, guard.Release())

	again, err := m.Acquire(ctx, "job_1")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	const workers = 16

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newTestManager(t, dir, nil)
			_, err := m.Acquire(ctx, "job_race")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrContention) {
				losses++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, losses)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dead := func(ctx context.Context, pid int) (bool, error) {
		return pid != math.MaxInt32, nil
	}
	m := newTestManager(t, dir, dead)
	writeLock(t, m.Path("job_1"), Info{
		JobID:      "job_1",
		PID:        math.MaxInt32,
		Hostname:   "host-a",
		AcquiredAt: time.Now().Add(-time.Hour),
	})

	guard, err := m.Acquire(ctx, "job_1")
	require.NoError(t, err)
	defer guard.Release()

	held, err := m.Inspect("job_1")
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), held.PID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "stale lock copies must be cleaned up")
}

func TestForeignHostLockIsNeverReclaimed(t *testing.T) {
	m := newTestManager(t, t.TempDir(), func(context.Context, int) (bool, error) {
		return false, nil
	})
	writeLock(t, m.Path("job_1"), Info{JobID: "job_1", PID: 42, Hostname: "host-b", AcquiredAt: time.Now()})

	_, err := m.Acquire(context.Background(), "job_1")
	var contention *ContentionError
	require.True(t, errors.As(err, &contention))
	require.Equal(t, "host-b", contention.Holder.Hostname)
}

func TestLivenessErrorTreatedAsAlive(t *testing.T) {
	m := newTestManager(t, t.TempDir(), func(context.Context, int) (bool, error) {
		return false, errors.New("permission denied")
	})
	writeLock(t, m.Path("job_1"), Info{JobID: "job_1", PID: 42, Hostname: "host-a", AcquiredAt: time.Now()})

	_, err := m.Acquire(context.Background(), "job_1")
	require.ErrorIs(t, err, ErrContention)
	require.Contains(t, err.Error(), "could not be verified")
}

func TestUnreadableLockIsContention(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	require.NoError(t, os.WriteFile(m.Path("job_1"), []byte("{garbage"), 0644))

	_, err := m.Acquire(context.Background(), "job_1")
	require.ErrorIs(t, err, ErrContention)

	require.NoError(t, m.Remove("job_1"))
	guard, err := m.Acquire(context.Background(), "job_1")
	require.NoError(t, err)
	require.NoError(t, guard.Release())
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	guard, err := m.Acquire(context.Background(), "job_1")
	require.NoError(t, err)

	// Someone replaced the lock after a manual removal.
	writeLock(t, m.Path("job_1"), Info{JobID: "job_1", PID: 7, Hostname: "host-a", AcquiredAt: time.Now()})
	require.NoError(t, guard.Release())

	held, err := m.Inspect("job_1")
	require.NoError(t, err)
	require.Equal(t, 7, held.PID)
}
