// Package dlq stores work items that exhausted their attempts so they can be
// inspected, retried or discarded later.
package dlq

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("dlq entry not found")

// FailureRecord describes one failed attempt.
type FailureRecord struct {
	Attempt      int           `json:"attempt"`
	Timestamp    time.Time     `json:"timestamp"`
	Kind         string        `json:"kind"`
	ExitCode     int           `json:"exit_code"`
	Message      string        `json:"message"`
	AgentID      string        `json:"agent_id,omitempty"`
	BatchID      string        `json:"batch_id,omitempty"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	Branch       string        `json:"branch,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Entry is a failed work item and every attempt made on it.
type Entry struct {
	JobID             string          `json:"job_id"`
	ItemIndex         int             `json:"item_index"`
	Value             any             `json:"value"`
	FailureHistory    []FailureRecord `json:"failure_history"`
	AttemptCount      int             `json:"attempt_count"`
	FirstFailure      time.Time       `json:"first_failure"`
	LastFailure       time.Time       `json:"last_failure"`
	ErrorSignature    string          `json:"error_signature"`
	ReprocessEligible bool            `json:"reprocess_eligible"`
}

// Last returns the most recent failure, or nil for an empty history.
func (e *Entry) Last() *FailureRecord {
	if len(e.FailureHistory) == 0 {
		return nil
	}
	return &e.FailureHistory[len(e.FailureHistory)-1]
}

// append records failures and refreshes the derived fields.
func (e *Entry) append(failures ...FailureRecord) {
	for _, f := range failures {
		if !e.recorded(f) {
			e.FailureHistory = append(e.FailureHistory, f)
		}
	}
	e.AttemptCount = len(e.FailureHistory)
	if len(e.FailureHistory) == 0 {
		return
	}
	e.FirstFailure = e.FailureHistory[0].Timestamp
	last := e.Last()
	e.LastFailure = last.Timestamp
	e.ErrorSignature = Signature(last.Kind, last.Message)
}

// recorded reports whether the same agent already failed the same way.
func (e *Entry) recorded(f FailureRecord) bool {
	if f.AgentID == "" {
		return false
	}
	for _, h := range e.FailureHistory {
		if h.AgentID == f.AgentID && h.Kind == f.Kind {
			return true
		}
	}
	return false
}

var volatile = regexp.MustCompile(`0x[0-9a-fA-F]+|\d+`)

// Signature groups failures that differ only in numbers such as pids, line
// numbers or durations.
func Signature(kind, message string) string {
	normalized := volatile.ReplaceAllString(strings.TrimSpace(message), "N")
	sum := sha256.Sum256([]byte(kind + "\x00" + normalized))
	return hex.EncodeToString(sum[:6])
}
