// Package sqlite stores checkpoints and dead letter entries in a single
// SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/deepnoodle-ai/mapreduce/dlq"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id     TEXT PRIMARY KEY,
	sequence   INTEGER NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint_history (
	job_id   TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	data     TEXT NOT NULL,
	PRIMARY KEY (job_id, sequence)
);
CREATE TABLE IF NOT EXISTS dlq_entries (
	job_id     TEXT NOT NULL,
	item_index INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (job_id, item_index)
);
`

// Store implements mapreduce.Checkpointer, mapreduce.CheckpointHistory and
// mapreduce.JobLister.
type Store struct {
	db      *sql.DB
	history int
}

// Open opens or creates the database at path. history bounds the earlier
// checkpoints kept per job.
func Open(path string, history int) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time. Busy waits happen in SQLite, not in callers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=FULL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, history: history}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *mapreduce.Checkpoint) error {
	data, err := mapreduce.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.history > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO checkpoint_history (job_id, sequence, data)
			SELECT job_id, sequence, data FROM checkpoints WHERE job_id = ?`, cp.JobID); err != nil {
			return fmt.Errorf("failed to archive checkpoint: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM checkpoint_history
			WHERE job_id = ? AND sequence NOT IN (
				SELECT sequence FROM checkpoint_history
				WHERE job_id = ? ORDER BY sequence DESC LIMIT ?)`, cp.JobID, cp.JobID, s.history); err != nil {
			return fmt.Errorf("failed to trim checkpoint history: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, sequence, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE
		SET sequence = excluded.sequence, data = excluded.data, updated_at = excluded.updated_at`,
		cp.JobID, cp.Sequence, string(data), cp.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *Store) LoadCheckpoint(ctx context.Context, jobID string) (*mapreduce.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE job_id = ?`, jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return mapreduce.DecodeCheckpoint([]byte(data))
}

func (s *Store) DeleteCheckpoint(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_history WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListHistory(ctx context.Context, jobID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence FROM checkpoint_history WHERE job_id = ? ORDER BY sequence`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sequences := []int64{}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}
	return sequences, rows.Err()
}

func (s *Store) LoadHistory(ctx context.Context, jobID string, sequence int64) (*mapreduce.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoint_history WHERE job_id = ? AND sequence = ?`, jobID, sequence).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &mapreduce.Error{Kind: mapreduce.KindNotFound, Op: "load history", JobID: jobID,
			Err: fmt.Errorf("no checkpoint with sequence %d", sequence)}
	}
	if err != nil {
		return nil, err
	}
	return mapreduce.DecodeCheckpoint([]byte(data))
}

func (s *Store) ListJobs(ctx context.Context) ([]*mapreduce.JobSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM checkpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	summaries := []*mapreduce.JobSummary{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		// Skip jobs we can't read
		if cp, err := mapreduce.DecodeCheckpoint([]byte(data)); err == nil {
			summaries = append(summaries, mapreduce.Summarize(cp))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	mapreduce.SortSummaries(summaries)
	return summaries, nil
}

// DLQ returns a dead letter store in the same database.
func (s *Store) DLQ() *DLQStore {
	return &DLQStore{db: s.db}
}

// DLQStore implements dlq.Store.
type DLQStore struct {
	db *sql.DB
}

func (s *DLQStore) Put(ctx context.Context, entry *dlq.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dlq_entries (job_id, item_index, data) VALUES (?, ?, ?)`,
		entry.JobID, entry.ItemIndex, string(data))
	return err
}

func (s *DLQStore) Get(ctx context.Context, jobID string, index int) (*dlq.Entry, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM dlq_entries WHERE job_id = ? AND item_index = ?`, jobID, index).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dlq.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry dlq.Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dlq entry: %w", err)
	}
	return &entry, nil
}

func (s *DLQStore) List(ctx context.Context, jobID string) ([]*dlq.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM dlq_entries WHERE job_id = ? ORDER BY item_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []*dlq.Entry{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entry dlq.Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dlq entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (s *DLQStore) Delete(ctx context.Context, jobID string, index int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dlq_entries WHERE job_id = ? AND item_index = ?`, jobID, index)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return dlq.ErrNotFound
	}
	return nil
}

func (s *DLQStore) DeleteAll(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE job_id = ?`, jobID)
	return err
}
