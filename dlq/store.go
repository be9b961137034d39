package dlq

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

// Store persists entries. Implementations must make Put atomic per entry.
type Store interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, jobID string, index int) (*Entry, error)
	List(ctx context.Context, jobID string) ([]*Entry, error)
	Delete(ctx context.Context, jobID string, index int) error
	DeleteAll(ctx context.Context, jobID string) error
}

// FileStore keeps one JSON file per entry under <dir>/<job_id>/.
type FileStore struct {
	dir string
}

// NewFileStore creates the store directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("dlq directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dlq directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) jobDir(jobID string) string {
	return filepath.Join(s.dir, jobID)
}

func (s *FileStore) entryPath(jobID string, index int) string {
	return filepath.Join(s.jobDir(jobID), fmt.Sprintf("item-%d.json", index))
}

func (s *FileStore) Put(ctx context.Context, entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}
	return atomicfile.WriteFile(s.entryPath(entry.JobID, entry.ItemIndex), data, 0644)
}

func (s *FileStore) Get(ctx context.Context, jobID string, index int) (*Entry, error) {
	return readEntry(s.entryPath(jobID, index))
}

func readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read dlq entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dlq entry %s: %w", path, err)
	}
	return &entry, nil
}

func (s *FileStore) List(ctx context.Context, jobID string) ([]*Entry, error) {
	files, err := os.ReadDir(s.jobDir(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read dlq directory: %w", err)
	}
	entries := make([]*Entry, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, "item-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "item-"), ".json")); err != nil {
			continue
		}
		entry, err := readEntry(filepath.Join(s.jobDir(jobID), name))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ItemIndex < entries[j].ItemIndex
	})
	return entries, nil
}

func (s *FileStore) Delete(ctx context.Context, jobID string, index int) error {
	err := os.Remove(s.entryPath(jobID, index))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FileStore) DeleteAll(ctx context.Context, jobID string) error {
	if err := os.RemoveAll(s.jobDir(jobID)); err != nil {
		return fmt.Errorf("failed to delete dlq for job %s: %w", jobID, err)
	}
	return nil
}
