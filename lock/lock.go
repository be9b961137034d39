// Package lock provides per-job resume locks that guarantee at most one
// active execution of a job on a host.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrContention is matched by every *ContentionError.
var ErrContention = errors.New("lock contention")

// Info is the content of a lock file.
type Info struct {
	JobID      string    `json:"job_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	Command    string    `json:"command,omitempty"`
}

func (i Info) sameHolder(o Info) bool {
	return i.PID == o.PID && i.Hostname == o.Hostname && i.AcquiredAt.Equal(o.AcquiredAt)
}

// ContentionError is returned when a live (or unverifiable) holder owns the
// lock.
type ContentionError struct {
	JobID  string
	Path   string
	Holder *Info
	Reason string
}

func (e *ContentionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "job %s is locked", e.JobID)
	if e.Holder != nil {
		fmt.Fprintf(&sb, " by pid %d on %s since %s", e.Holder.PID, e.Holder.Hostname,
			e.Holder.AcquiredAt.Format(time.RFC3339))
	}
	if e.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", e.Reason)
	}
	fmt.Fprintf(&sb, "; if no other execution is running, remove %s and retry", e.Path)
	return sb.String()
}

func (e *ContentionError) Is(target error) bool {
	return target == ErrContention
}

// LivenessFunc reports whether pid is running on this host.
type LivenessFunc func(ctx context.Context, pid int) (bool, error)

// ProcessExists checks liveness with gopsutil.
func ProcessExists(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Options configures a Manager.
type Options struct {
	// Dir holds one <job_id>.lock file per locked job.
	Dir string

	Logger *slog.Logger

	// Alive defaults to ProcessExists.
	Alive LivenessFunc

	// Hostname and PID identify this process. They default to the real
	// values and are overridable for tests.
	Hostname string
	PID      int
	Command  string
}

// Manager acquires job locks in a directory.
type Manager struct {
	dir      string
	logger   *slog.Logger
	alive    LivenessFunc
	hostname string
	pid      int
	command  string
}

// NewManager creates the lock directory if needed.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("lock directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Alive == nil {
		opts.Alive = ProcessExists
	}
	if opts.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		opts.Hostname = host
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", opts.Dir, err)
	}
	return &Manager{
		dir:      opts.Dir,
		logger:   opts.Logger,
		alive:    opts.Alive,
		hostname: opts.Hostname,
		pid:      opts.PID,
		command:  opts.Command,
	}, nil
}

// Path returns the lock file location for a job.
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.dir, jobID+".lock")
}

// Acquire takes the lock for jobID. A lock left by a dead process on this
// host is reclaimed. Every other existing lock yields a *ContentionError.
func (m *Manager) Acquire(ctx context.Context, jobID string) (*Guard, error) {
	path := m.Path(jobID)
	info := Info{
		JobID:      jobID,
		PID:        m.pid,
		Hostname:   m.hostname,
		AcquiredAt: time.Now().UTC(),
		Command:    m.command,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}

	// A reclaim can race with another reclaimer, so retry a few times.
	for range 3 {
		created, err := createExclusive(path, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create lock %s: %w", path, err)
		}
		if created {
			m.logger.Debug("acquired job lock", "job_id", jobID, "path", path)
			return &Guard{path: path, info: info, logger: m.logger}, nil
		}
		holder, err := ReadInfo(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &ContentionError{JobID: jobID, Path: path, Reason: "lock file is unreadable"}
		}
		if holder.Hostname != m.hostname {
			return nil, &ContentionError{JobID: jobID, Path: path, Holder: holder,
				Reason: "held by another host"}
		}
		alive, err := m.alive(ctx, holder.PID)
		if err != nil {
			m.logger.Warn("lock holder liveness check failed, assuming alive",
				"job_id", jobID, "pid", holder.PID, "error", err)
			return nil, &ContentionError{JobID: jobID, Path: path, Holder: holder,
				Reason: "holder liveness could not be verified"}
		}
		if alive {
			return nil, &ContentionError{JobID: jobID, Path: path, Holder: holder}
		}
		if err := m.reclaim(path, holder); err != nil {
			return nil, err
		}
		m.logger.Warn("reclaimed stale job lock",
			"job_id", jobID, "stale_pid", holder.PID, "stale_since", holder.AcquiredAt)
	}
	return nil, &ContentionError{JobID: jobID, Path: path, Reason: "lock changed hands during reclaim"}
}

// reclaim moves a stale lock aside and confirms the moved file is the one
// that was judged stale. If another process replaced it in between, the
// new lock is put back.
func (m *Manager) reclaim(path string, stale *Info) error {
	aside := fmt.Sprintf("%s.stale-%s", path, uuid.NewString())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to move stale lock aside: %w", err)
	}
	moved, err := ReadInfo(aside)
	if err == nil && moved.sameHolder(*stale) {
		return os.Remove(aside)
	}
	// Not the stale lock. Restore it unless someone already took the path.
	if linkErr := os.Link(aside, path); linkErr != nil && !errors.Is(linkErr, os.ErrExist) {
		return fmt.Errorf("failed to restore lock after reclaim race: %w", linkErr)
	}
	os.Remove(aside)
	var holder *Info
	if err == nil {
		holder = moved
	}
	return &ContentionError{JobID: stale.JobID, Path: path, Holder: holder,
		Reason: "lock changed hands during reclaim"}
}

// Inspect returns the current holder, or nil when the job is unlocked.
func (m *Manager) Inspect(jobID string) (*Info, error) {
	info, err := ReadInfo(m.Path(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return info, err
}

// Remove deletes a lock regardless of holder. It is the manual remedy for
// a lock that cannot be reclaimed automatically.
func (m *Manager) Remove(jobID string) error {
	err := os.Remove(m.Path(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ReadInfo parses a lock file.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid lock file %s: %w", path, err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("invalid lock file %s: missing pid", path)
	}
	return &info, nil
}

// createExclusive writes data to path only if path does not exist. The
// content is written to a temporary file first and hard-linked into place,
// so a visible lock file is always complete.
func createExclusive(path string, data []byte) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	err = os.Link(tmpPath, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrExist):
		return false, nil
	}
	// Filesystems without hard links fall back to O_EXCL.
	f, excErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if excErr != nil {
		if errors.Is(excErr, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w (link: %v)", excErr, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return false, err
	}
	return true, f.Sync()
}

// Guard represents a held lock. Release is safe to call more than once and
// is meant to be deferred right after Acquire succeeds.
type Guard struct {
	path   string
	info   Info
	logger *slog.Logger
	once   sync.Once
	err    error
}

// Info returns the lock content written by this holder.
func (g *Guard) Info() Info {
	return g.info
}

// Release removes the lock if this guard still owns it.
func (g *Guard) Release() error {
	g.once.Do(func() {
		current, err := ReadInfo(g.path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err == nil && !current.sameHolder(g.info) {
			g.logger.Warn("job lock is owned by another holder, leaving it in place",
				"job_id", g.info.JobID, "pid", current.PID)
			return
		}
		if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.err = fmt.Errorf("failed to release lock %s: %w", g.path, err)
			return
		}
		g.logger.Debug("released job lock", "job_id", g.info.JobID)
	})
	return g.err
}
