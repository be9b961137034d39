package dlq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/mapreduce/script"
)

// Queue adds entry bookkeeping on top of a Store.
type Queue struct {
	store  Store
	logger *slog.Logger

	// mu serializes read-modify-write of entries.
	mu sync.Mutex
}

// NewQueue wraps a store.
func NewQueue(store Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{store: store, logger: logger}
}

// Store returns the underlying store.
func (q *Queue) Store() Store {
	return q.store
}

// Add records failures for an item, creating the entry on first failure.
// The item value is refreshed on every call.
func (q *Queue) Add(ctx context.Context, jobID string, index int, value any, failures ...FailureRecord) (*Entry, error) {
	if len(failures) == 0 {
		return nil, fmt.Errorf("at least one failure record is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.store.Get(ctx, jobID, index)
	if errors.Is(err, ErrNotFound) {
		entry = &Entry{JobID: jobID, ItemIndex: index, ReprocessEligible: true}
	} else if err != nil {
		return nil, err
	}
	entry.Value = value
	entry.append(failures...)
	if err := q.store.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to store dlq entry: %w", err)
	}
	q.logger.Info("item added to dead letter queue",
		"job_id", jobID,
		"item_index", index,
		"attempts", entry.AttemptCount,
		"error_kind", entry.Last().Kind)
	return entry, nil
}

// Get returns a single entry.
func (q *Queue) Get(ctx context.Context, jobID string, index int) (*Entry, error) {
	return q.store.Get(ctx, jobID, index)
}

// List returns every entry for a job ordered by item index.
func (q *Queue) List(ctx context.Context, jobID string) ([]*Entry, error) {
	return q.store.List(ctx, jobID)
}

// Remove deletes one entry. Removing a missing entry is not an error.
func (q *Queue) Remove(ctx context.Context, jobID string, index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Delete(ctx, jobID, index); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Clear removes the given entries, or all entries when indices is empty.
// It returns the number of entries removed.
func (q *Queue) Clear(ctx context.Context, jobID string, indices []int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(indices) == 0 {
		entries, err := q.store.List(ctx, jobID)
		if err != nil {
			return 0, err
		}
		if err := q.store.DeleteAll(ctx, jobID); err != nil {
			return 0, err
		}
		return len(entries), nil
	}
	removed := 0
	for _, index := range indices {
		err := q.store.Delete(ctx, jobID, index)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, ErrNotFound):
		default:
			return removed, err
		}
	}
	return removed, nil
}

// Filter selects entries.
type Filter func(ctx context.Context, entry *Entry) (bool, error)

// Select returns entries matching filter, or all entries when filter is nil.
func (q *Queue) Select(ctx context.Context, jobID string, filter Filter) ([]*Entry, error) {
	entries, err := q.store.List(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return entries, nil
	}
	var matched []*Entry
	for _, entry := range entries {
		ok, err := filter(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("filter failed on item %d: %w", entry.ItemIndex, err)
		}
		if ok {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}

// FilterEnv returns the variables visible to filter expressions.
func FilterEnv(entry *Entry) map[string]any {
	env := map[string]any{
		"item":               entry.Value,
		"index":              entry.ItemIndex,
		"failure_count":      entry.AttemptCount,
		"signature":          entry.ErrorSignature,
		"reprocess_eligible": entry.ReprocessEligible,
		"error_kind":         "",
		"error_message":      "",
		"exit_code":          0,
	}
	if last := entry.Last(); last != nil {
		env["error_kind"] = last.Kind
		env["error_message"] = last.Message
		env["exit_code"] = last.ExitCode
	}
	return env
}

// ExprFilter compiles a boolean expression evaluated against FilterEnv.
// An empty expression matches everything.
func ExprFilter(ctx context.Context, compiler script.Compiler, expression string) (Filter, error) {
	if expression == "" {
		return nil, nil
	}
	compiled, err := compiler.Compile(ctx, expression)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, entry *Entry) (bool, error) {
		v, err := compiled.Evaluate(ctx, FilterEnv(entry))
		if err != nil {
			return false, err
		}
		return v.IsTruthy(), nil
	}, nil
}

// Stats summarises a job's queue.
type Stats struct {
	Total       int            `json:"total"`
	Eligible    int            `json:"eligible"`
	ByKind      map[string]int `json:"by_kind"`
	BySignature map[string]int `json:"by_signature"`
	Oldest      time.Time      `json:"oldest,omitzero"`
	Newest      time.Time      `json:"newest,omitzero"`
}

// Stats computes counts by error kind and signature.
func (q *Queue) Stats(ctx context.Context, jobID string) (*Stats, error) {
	entries, err := q.store.List(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByKind: map[string]int{}, BySignature: map[string]int{}}
	for _, e := range entries {
		stats.Total++
		if e.ReprocessEligible {
			stats.Eligible++
		}
		if last := e.Last(); last != nil {
			stats.ByKind[last.Kind]++
		}
		stats.BySignature[e.ErrorSignature]++
		if stats.Oldest.IsZero() || e.FirstFailure.Before(stats.Oldest) {
			stats.Oldest = e.FirstFailure
		}
		if e.LastFailure.After(stats.Newest) {
			stats.Newest = e.LastFailure
		}
	}
	return stats, nil
}
