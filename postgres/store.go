// Package postgres stores checkpoints and dead letter entries in
// PostgreSQL, for teams that share job state between machines.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/deepnoodle-ai/mapreduce/dlq"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS mapreduce_checkpoints (
	job_id     TEXT PRIMARY KEY,
	sequence   BIGINT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS mapreduce_checkpoint_history (
	job_id   TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	data     TEXT NOT NULL,
	PRIMARY KEY (job_id, sequence)
);
CREATE TABLE IF NOT EXISTS mapreduce_dlq (
	job_id     TEXT NOT NULL,
	item_index INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (job_id, item_index)
);
`

// Store implements mapreduce.Checkpointer, mapreduce.CheckpointHistory and
// mapreduce.JobLister. DLQ returns a dlq.Store on the same database.
type Store struct {
	db      *sql.DB
	history int
}

// Options configures a Store.
type Options struct {
	// History bounds the earlier checkpoints kept per job. Zero keeps none.
	History int
}

// Open connects to dsn and creates the tables if needed.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := New(db, opts)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The caller owns db.
func New(db *sql.DB, opts Options) *Store {
	return &Store{db: db, history: opts.History}
}

// Migrate creates the tables used by the store.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCheckpoint replaces the current checkpoint and moves the previous
// one into history in a single transaction.
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mapreduce_checkpoint_history (job_id, sequence, data)
			SELECT job_id, sequence, data FROM mapreduce_checkpoints WHERE job_id = $1
			ON CONFLICT (job_id, sequence) DO UPDATE SET data = EXCLUDED.data`, cp.JobID)
		if err != nil {
			return fmt.Errorf("failed to archive checkpoint: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM mapreduce_checkpoint_history
			WHERE job_id = $1 AND sequence NOT IN (
				SELECT sequence FROM mapreduce_checkpoint_history
				WHERE job_id = $1 ORDER BY sequence DESC LIMIT $2)`, cp.JobID, s.history)
		if err != nil {
			return fmt.Errorf("failed to trim checkpoint history: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mapreduce_checkpoints (job_id, sequence, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (job_id) DO UPDATE
		SET sequence = EXCLUDED.sequence, data = EXCLUDED.data, updated_at = now()`,
		cp.JobID, cp.Sequence, string(data))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *Store) LoadCheckpoint(ctx context.Context, jobID string) (*mapreduce.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM mapreduce_checkpoints WHERE job_id = $1`, jobID).Scan(&data)
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
	for _, q := range []string{
		`DELETE FROM mapreduce_checkpoints WHERE job_id = $1`,
		`DELETE FROM mapreduce_checkpoint_history WHERE job_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, jobID); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListHistory(ctx context.Context, jobID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence FROM mapreduce_checkpoint_history WHERE job_id = $1 ORDER BY sequence`, jobID)
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
		`SELECT data FROM mapreduce_checkpoint_history WHERE job_id = $1 AND sequence = $2`,
		jobID, sequence).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &mapreduce.Error{Kind: mapreduce.KindNotFound, Op: "load history", JobID: jobID,
			Err: fmt.Errorf("no checkpoint with sequence %d", sequence)}
	}
	if err != nil {
		return nil, err
	}
	return mapreduce.DecodeCheckpoint([]byte(data))
}

// ListJobs summarizes every job with a readable checkpoint, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]*mapreduce.JobSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM mapreduce_checkpoints ORDER BY job_id`)
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
		cp, err := mapreduce.DecodeCheckpoint([]byte(data))
		if err != nil {
			continue
		}
		summaries = append(summaries, mapreduce.Summarize(cp))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	mapreduce.SortSummaries(summaries)
	return summaries, nil
}

// DLQ returns a dead letter store backed by the same database.
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mapreduce_dlq (job_id, item_index, data) VALUES ($1, $2, $3)
		ON CONFLICT (job_id, item_index) DO UPDATE SET data = EXCLUDED.data`,
		entry.JobID, entry.ItemIndex, string(data))
	return err
}

func (s *DLQStore) Get(ctx context.Context, jobID string, index int) (*dlq.Entry, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM mapreduce_dlq WHERE job_id = $1 AND item_index = $2`, jobID, index).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dlq.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

func (s *DLQStore) List(ctx context.Context, jobID string) ([]*dlq.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM mapreduce_dlq WHERE job_id = $1 ORDER BY item_index`, jobID)
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
		entry, err := decodeEntry(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *DLQStore) Delete(ctx context.Context, jobID string, index int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mapreduce_dlq WHERE job_id = $1 AND item_index = $2`, jobID, index)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return dlq.ErrNotFound
	}
	return nil
}

func (s *DLQStore) DeleteAll(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mapreduce_dlq WHERE job_id = $1`, jobID)
	return err
}

func decodeEntry(data string) (*dlq.Entry, error) {
	var entry dlq.Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dlq entry: %w", err)
	}
	return &entry, nil
}
