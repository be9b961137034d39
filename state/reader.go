// Package state exposes read-only views of a running job.
package state

// Reader provides read-only access to job state
type Reader interface {
	// JobID returns the job identifier
	JobID() string

	// Phase returns the current phase name
	Phase() string

	// Progress returns the Map item counts: completed, failed and total.
	Progress() (completed, failed, total int)

	// GetVariables returns a copy of the variables map
	GetVariables() map[string]any
}
