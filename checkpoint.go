package mapreduce

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/deepnoodle-ai/mapreduce/worktree"
)

// CheckpointVersion is the newest checkpoint format this build reads and
// the format it writes.
const CheckpointVersion = 1

// WorkItem is one unit of Map work. Its identity is its index in the item
// list, which is stored in the checkpoint so ordering survives a resume.
type WorkItem struct {
	Index int `json:"index"`
	Value any `json:"value"`
}

// StepRecord is a completed Setup or Reduce step.
type StepRecord struct {
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Skipped     bool           `json:"skipped,omitempty"`
	Captured    map[string]any `json:"captured,omitempty"`
	Output      string         `json:"output,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// SequentialPhaseState tracks a Setup or Reduce phase.
type SequentialPhaseState struct {
	Status         Status       `json:"status"`
	CurrentStep    int          `json:"current_step"`
	CompletedSteps []StepRecord `json:"completed_steps"`
	Error          string       `json:"error,omitempty"`
}

// NextStep is the index of the first step that has not completed.
func (s *SequentialPhaseState) NextStep() int {
	if s == nil {
		return 0
	}
	return len(s.CompletedSteps)
}

func (s *SequentialPhaseState) clone() *SequentialPhaseState {
	if s == nil {
		return nil
	}
	out := *s
	out.CompletedSteps = make([]StepRecord, len(s.CompletedSteps))
	for i, rec := range s.CompletedSteps {
		rec.Captured = copyMap(rec.Captured)
		out.CompletedSteps[i] = rec
	}
	return &out
}

// AgentOutcome is the result of one agent attempt.
type AgentOutcome string

const (
	OutcomeSuccess     AgentOutcome = "success"
	OutcomeFailure     AgentOutcome = "failure"
	OutcomeCrashed     AgentOutcome = "crashed"
	OutcomeTimeout     AgentOutcome = "timeout"
	OutcomeInterrupted AgentOutcome = "interrupted"
)

// AgentRecord is the audit entry for one attempt on an item.
type AgentRecord struct {
	ID           string        `json:"id"`
	BatchID      string        `json:"batch_id"`
	ItemIndex    int           `json:"item_index"`
	Attempt      int           `json:"attempt"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	Branch       string        `json:"branch,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"duration"`
	Outcome      AgentOutcome  `json:"outcome"`
	ExitCode     int           `json:"exit_code"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ItemResult is the output of a successful item.
type ItemResult struct {
	Output      string         `json:"output"`
	Captured    map[string]any `json:"captured,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	AgentID     string         `json:"agent_id"`
	BatchID     string         `json:"batch_id"`
	Attempts    int            `json:"attempts"`
	CompletedAt time.Time      `json:"completed_at"`
}

// MapPhaseState tracks the Map phase. The three index sets are sorted,
// pairwise disjoint, and contain only valid item indices.
type MapPhaseState struct {
	Status          Status              `json:"status"`
	ItemsLoaded     bool                `json:"items_loaded"`
	Items           []WorkItem          `json:"items"`
	CompletedItems  []int               `json:"completed_items"`
	FailedItems     []int               `json:"failed_items"`
	InProgressItems []int               `json:"in_progress_items"`
	Results         map[int]*ItemResult `json:"results"`
	Attempts        map[int]int         `json:"attempts"`
	Records         []AgentRecord       `json:"records"`
	Successful      int                 `json:"successful"`
	Failed          int                 `json:"failed"`
	Total           int                 `json:"total"`
	Error           string              `json:"error,omitempty"`
}

func newMapPhaseState() *MapPhaseState {
	return &MapPhaseState{
		Status:          StatusPending,
		Items:           []WorkItem{},
		CompletedItems:  []int{},
		FailedItems:     []int{},
		InProgressItems: []int{},
		Results:         map[int]*ItemResult{},
		Attempts:        map[int]int{},
		Records:         []AgentRecord{},
	}
}

// Pending returns indices that were never dispatched.
func (m *MapPhaseState) Pending() []int {
	var pending []int
	for _, item := range m.Items {
		i := item.Index
		if !containsIndex(m.CompletedItems, i) && !containsIndex(m.FailedItems, i) && !containsIndex(m.InProgressItems, i) {
			pending = append(pending, i)
		}
	}
	return pending
}

func (m *MapPhaseState) refreshCounts() {
	m.Successful = len(m.CompletedItems)
	m.Failed = len(m.FailedItems)
	m.Total = len(m.Items)
}

func (m *MapPhaseState) clone() *MapPhaseState {
	if m == nil {
		return nil
	}
	out := *m
	out.Items = slices.Clone(m.Items)
	out.CompletedItems = slices.Clone(m.CompletedItems)
	out.FailedItems = slices.Clone(m.FailedItems)
	out.InProgressItems = slices.Clone(m.InProgressItems)
	out.Records = slices.Clone(m.Records)
	out.Results = make(map[int]*ItemResult, len(m.Results))
	for k, v := range m.Results {
		r := *v
		r.Captured = copyMap(v.Captured)
		out.Results[k] = &r
	}
	out.Attempts = make(map[int]int, len(m.Attempts))
	for k, v := range m.Attempts {
		out.Attempts[k] = v
	}
	return &out
}

// Checkpoint is a complete, self-consistent snapshot of a job.
type Checkpoint struct {
	Version      int              `json:"version"`
	ID           string           `json:"id"`
	Sequence     int64            `json:"sequence"`
	Reason       CheckpointReason `json:"reason"`
	JobID        string           `json:"job_id"`
	WorkflowName string           `json:"workflow_name"`
	WorkflowPath string           `json:"workflow_path,omitempty"`
	WorkflowHash string           `json:"workflow_hash"`
	RepoDir      string           `json:"repo_dir,omitempty"`
	Phase        Phase            `json:"phase"`
	Status       Status           `json:"status"`

	Setup  *SequentialPhaseState `json:"setup"`
	Map    *MapPhaseState        `json:"map"`
	Reduce *SequentialPhaseState `json:"reduce"`

	Variables map[string]any `json:"variables"`
	Worktrees *worktree.Info `json:"worktrees"`
	Error     string         `json:"error,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CheckpointAt  time.Time `json:"checkpoint_at"`
	IntegrityHash string    `json:"integrity_hash"`
}

// Clone returns a deep copy of the checkpoint structure. Variable values
// are shared.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.Setup = c.Setup.clone()
	out.Map = c.Map.clone()
	out.Reduce = c.Reduce.clone()
	out.Variables = copyMap(c.Variables)
	out.Worktrees = c.Worktrees.Clone()
	return &out
}

// Validate checks the internal consistency of the checkpoint.
func (c *Checkpoint) Validate() error {
	if c.Version < 1 {
		return fmt.Errorf("invalid version %d", c.Version)
	}
	if c.JobID == "" {
		return fmt.Errorf("job id is empty")
	}
	if !c.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", c.Phase)
	}
	if c.Setup == nil || c.Map == nil || c.Reduce == nil {
		return fmt.Errorf("phase state missing")
	}
	if c.Phase.rank() > PhaseSetup.rank() && c.Setup.Status != StatusCompleted {
		return fmt.Errorf("phase %s but setup is %s", c.Phase, c.Setup.Status)
	}
	if c.Phase.rank() > PhaseMap.rank() && c.Map.Status != StatusCompleted {
		return fmt.Errorf("phase %s but map is %s", c.Phase, c.Map.Status)
	}
	if c.Phase == PhaseComplete && (c.Reduce.Status != StatusCompleted || c.Status != StatusCompleted) {
		return fmt.Errorf("complete checkpoint with reduce %s and job %s", c.Reduce.Status, c.Status)
	}
	return c.Map.validate()
}

func (m *MapPhaseState) validate() error {
	n := len(m.Items)
	for i, item := range m.Items {
		if item.Index != i {
			return fmt.Errorf("item at position %d has index %d", i, item.Index)
		}
	}
	seen := map[int]string{}
	for _, set := range []struct {
		name    string
		indices []int
	}{
		{"completed", m.CompletedItems},
		{"failed", m.FailedItems},
		{"in_progress", m.InProgressItems},
	} {
		for _, idx := range set.indices {
			if idx < 0 || idx >= n {
				return fmt.Errorf("%s item %d out of range [0,%d)", set.name, idx, n)
			}
			if other, ok := seen[idx]; ok {
				return fmt.Errorf("item %d is both %s and %s", idx, other, set.name)
			}
			seen[idx] = set.name
		}
	}
	if m.Successful != len(m.CompletedItems) || m.Failed != len(m.FailedItems) || m.Total != n {
		return fmt.Errorf("map counters do not match item sets")
	}
	return nil
}

// computeHash hashes the compact JSON encoding with the hash field blank.
func computeHash(cp *Checkpoint) (string, error) {
	saved := cp.IntegrityHash
	cp.IntegrityHash = ""
	data, err := json.Marshal(cp)
	cp.IntegrityHash = saved
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// EncodeCheckpoint stamps the integrity hash and returns the serialized
// checkpoint.
func EncodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	hash, err := computeHash(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	cp.IntegrityHash = hash
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint parses and verifies a checkpoint. It fails closed: a
// newer version yields KindCheckpointIncompatible, and undecodable data, a
// hash mismatch or inconsistent state yield KindCheckpointCorrupt.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var head struct {
		Version int    `json:"version"`
		JobID   string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, newError(KindCheckpointCorrupt, "decode checkpoint", "", err)
	}
	if head.Version > CheckpointVersion {
		return nil, errorf(KindCheckpointIncompatible, "decode checkpoint", head.JobID,
			"checkpoint version %d is newer than supported version %d", head.Version, CheckpointVersion)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, newError(KindCheckpointCorrupt, "decode checkpoint", head.JobID, err)
	}
	if cp.IntegrityHash == "" {
		return nil, errorf(KindCheckpointCorrupt, "decode checkpoint", cp.JobID, "integrity hash missing")
	}
	hash, err := computeHash(&cp)
	if err != nil {
		return nil, newError(KindCheckpointCorrupt, "decode checkpoint", cp.JobID, err)
	}
	if hash != cp.IntegrityHash {
		return nil, errorf(KindCheckpointCorrupt, "decode checkpoint", cp.JobID, "integrity hash mismatch")
	}
	if err := cp.Validate(); err != nil {
		return nil, newError(KindCheckpointCorrupt, "decode checkpoint", cp.JobID, err)
	}
	return &cp, nil
}

// Index set helpers. Sets are kept sorted.

func containsIndex(set []int, i int) bool {
	_, ok := slices.BinarySearch(set, i)
	return ok
}

func addIndex(set []int, i int) []int {
	pos, ok := slices.BinarySearch(set, i)
	if ok {
		return set
	}
	return slices.Insert(set, pos, i)
}

func removeIndex(set []int, i int) []int {
	pos, ok := slices.BinarySearch(set, i)
	if !ok {
		return set
	}
	return slices.Delete(set, pos, pos+1)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
