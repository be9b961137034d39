package worktree

import (
	"context"
	"fmt"
)

// CleanOptions selects the worktrees Clean removes.
type CleanOptions struct {
	// JobID cleans a single job. All cleans every job with worktrees.
	JobID string
	All   bool

	// Force removes worktrees of jobs that InUse reports as busy.
	Force bool

	// DryRun reports what would be removed.
	DryRun bool

	// InUse reports whether a job is currently held by a process.
	InUse func(jobID string) (bool, error)
}

// CleanResult lists what Clean did per job.
type CleanResult struct {
	Removed map[string][]string `json:"removed"`
	Skipped map[string]string   `json:"skipped,omitempty"`
	DryRun  bool                `json:"dry_run"`
}

// Clean removes job worktrees and item branches. Parent branches are kept.
func (m *Manager) Clean(ctx context.Context, opts CleanOptions) (*CleanResult, error) {
	var jobs []string
	switch {
	case opts.JobID != "":
		jobs = []string{opts.JobID}
	case opts.All:
		var err error
		if jobs, err = m.ListJobs(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("a job id or all is required")
	}
	result := &CleanResult{
		Removed: map[string][]string{},
		Skipped: map[string]string{},
		DryRun:  opts.DryRun,
	}
	for _, jobID := range jobs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !opts.Force && opts.InUse != nil {
			busy, err := opts.InUse(jobID)
			if err != nil {
				result.Skipped[jobID] = err.Error()
				continue
			}
			if busy {
				result.Skipped[jobID] = "job is locked by a running process"
				continue
			}
		}
		paths, err := m.RemoveJob(ctx, jobID, opts.DryRun)
		if len(paths) > 0 {
			result.Removed[jobID] = paths
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}
