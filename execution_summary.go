package mapreduce

import (
	"sort"
	"time"
)

// JobSummary provides a summary view of a job
type JobSummary struct {
	JobID        string        `json:"job_id"`
	WorkflowName string        `json:"workflow_name"`
	Phase        Phase         `json:"phase"`
	Status       Status        `json:"status"`
	Sequence     int64         `json:"sequence"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Duration     time.Duration `json:"duration"`
	Successful   int           `json:"successful"`
	Failed       int           `json:"failed"`
	Total        int           `json:"total"`
	Error        string        `json:"error,omitempty"`
}

// Summarize builds the summary of a checkpoint.
func Summarize(cp *Checkpoint) *JobSummary {
	s := &JobSummary{
		JobID:        cp.JobID,
		WorkflowName: cp.WorkflowName,
		Phase:        cp.Phase,
		Status:       cp.Status,
		Sequence:     cp.Sequence,
		CreatedAt:    cp.CreatedAt,
		UpdatedAt:    cp.UpdatedAt,
		Duration:     cp.UpdatedAt.Sub(cp.CreatedAt),
		Error:        cp.Error,
	}
	if cp.Map != nil {
		s.Successful = cp.Map.Successful
		s.Failed = cp.Map.Failed
		s.Total = cp.Map.Total
	}
	return s
}

// SortSummaries orders summaries newest first.
func SortSummaries(summaries []*JobSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
}
