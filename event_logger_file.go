package mapreduce

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileEventLogger is an implementation of EventLogger that logs to a file.
// A file is created per job at <directory>/<job_id>/events.jsonl. The file
// is formatted as newline-delimited JSON.
type FileEventLogger struct {
	directory string
	mu        sync.Mutex
}

func NewFileEventLogger(directory string) *FileEventLogger {
	return &FileEventLogger{directory: directory}
}

func (l *FileEventLogger) eventLogPath(jobID string) string {
	return filepath.Join(l.directory, jobID, "events.jsonl")
}

func (l *FileEventLogger) GetEvents(ctx context.Context, jobID string) ([]*Event, error) {
	data, err := os.ReadFile(l.eventLogPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var events []*Event
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// A crash can leave a torn final line
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

func (l *FileEventLogger) LogEvent(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	filePath := l.eventLogPath(event.JobID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
