package mapreduce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/mapreduce/internal/atomicfile"
)

const (
	checkpointFile = "checkpoint.json"
	historyDir     = "history"
)

// FileCheckpointer is a file-based implementation that persists checkpoints
// to disk. Each job has a directory holding checkpoint.json and a bounded
// history/ of the checkpoints it replaced.
type FileCheckpointer struct {
	dataDir string
	history int
}

// NewFileCheckpointer creates a new file-based checkpointer. history bounds
// the number of earlier checkpoints kept per job; zero disables history.
func NewFileCheckpointer(dataDir string, history int) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "mapreduce", "jobs")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileCheckpointer{dataDir: dataDir, history: history}, nil
}

// Dir returns the directory holding job checkpoint directories.
func (c *FileCheckpointer) Dir() string {
	return c.dataDir
}

func (c *FileCheckpointer) jobDir(jobID string) string {
	return filepath.Join(c.dataDir, jobID)
}

func historyName(sequence int64) string {
	return fmt.Sprintf("checkpoint-%012d.json", sequence)
}

// SaveCheckpoint writes the checkpoint atomically. The checkpoint being
// replaced is copied into history first, so a crash at any point leaves a
// complete current checkpoint on disk.
func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	jobDir := c.jobDir(checkpoint.JobID)
	path := filepath.Join(jobDir, checkpointFile)

	if c.history > 0 {
		if err := c.archive(path, jobDir); err != nil {
			return err
		}
	}
	if err := atomicfile.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if c.history > 0 {
		return c.trimHistory(jobDir)
	}
	return nil
}

func (c *FileCheckpointer) archive(path, jobDir string) error {
	prev, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read previous checkpoint: %w", err)
	}
	var head struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.Unmarshal(prev, &head); err != nil {
		// An unreadable previous checkpoint is still worth keeping.
		head.Sequence = 0
	}
	dst := filepath.Join(jobDir, historyDir, historyName(head.Sequence))
	if err := atomicfile.WriteFile(dst, prev, 0644); err != nil {
		return fmt.Errorf("failed to archive checkpoint: %w", err)
	}
	return nil
}

func (c *FileCheckpointer) trimHistory(jobDir string) error {
	sequences, err := listHistoryDir(filepath.Join(jobDir, historyDir))
	if err != nil {
		return err
	}
	for len(sequences) > c.history {
		name := filepath.Join(jobDir, historyDir, historyName(sequences[0]))
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to trim checkpoint history: %w", err)
		}
		sequences = sequences[1:]
	}
	return nil
}

func listHistoryDir(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []int64{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint history: %w", err)
	}
	sequences := []int64{}
	for _, e := range entries {
		name, ok := strings.CutPrefix(e.Name(), "checkpoint-")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, ".json")
		if !ok {
			continue
		}
		seq, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	return sequences, nil
}

// LoadCheckpoint loads the latest checkpoint for a job
func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(c.jobDir(jobID), checkpointFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil // No checkpoint found
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return DecodeCheckpoint(data)
}

// DeleteCheckpoint removes all checkpoint data for a job
func (c *FileCheckpointer) DeleteCheckpoint(ctx context.Context, jobID string) error {
	if err := os.RemoveAll(c.jobDir(jobID)); err != nil {
		return fmt.Errorf("failed to delete job directory: %w", err)
	}
	return nil
}

// ListHistory returns the retained history sequence numbers, oldest first.
func (c *FileCheckpointer) ListHistory(ctx context.Context, jobID string) ([]int64, error) {
	return listHistoryDir(filepath.Join(c.jobDir(jobID), historyDir))
}

// LoadHistory loads a retained checkpoint.
func (c *FileCheckpointer) LoadHistory(ctx context.Context, jobID string, sequence int64) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(c.jobDir(jobID), historyDir, historyName(sequence)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errorf(KindNotFound, "load history", jobID, "no checkpoint with sequence %d", sequence)
		}
		return nil, fmt.Errorf("failed to read checkpoint history: %w", err)
	}
	return DecodeCheckpoint(data)
}

// ListJobs returns a summary of every job with a readable checkpoint,
// newest first.
func (c *FileCheckpointer) ListJobs(ctx context.Context) ([]*JobSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*JobSummary{}, nil // No jobs directory yet
		}
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	summaries := []*JobSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := c.LoadCheckpoint(ctx, entry.Name())
		if err != nil || cp == nil {
			// Skip jobs we can't read
			continue
		}
		summaries = append(summaries, Summarize(cp))
	}
	SortSummaries(summaries)
	return summaries, nil
}
