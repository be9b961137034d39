// Package objectstore keeps checkpoints in an S3 compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string

	// Prefix is prepended to every key, for sharing a bucket.
	Prefix string

	// History bounds the earlier checkpoints kept per job.
	History int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("object store endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("object store bucket is required")
	}
	return nil
}

// NewClient creates a minio client for cfg.
func NewClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Checkpointer stores <prefix>/<job_id>/checkpoint.json and a bounded
// <prefix>/<job_id>/history/. A PUT replaces the object as a whole, so
// readers never see a partial checkpoint.
type Checkpointer struct {
	client  *minio.Client
	bucket  string
	prefix  string
	history int
}

// NewCheckpointer creates the bucket if it does not exist.
func NewCheckpointer(ctx context.Context, client *minio.Client, cfg Config) (*Checkpointer, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Checkpointer{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		history: cfg.History,
	}, nil
}

func (c *Checkpointer) key(parts ...string) string {
	if c.prefix != "" {
		parts = append([]string{c.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (c *Checkpointer) currentKey(jobID string) string {
	return c.key(jobID, "checkpoint.json")
}

func (c *Checkpointer) historyKey(jobID string, sequence int64) string {
	return c.key(jobID, "history", fmt.Sprintf("checkpoint-%012d.json", sequence))
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (c *Checkpointer) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (c *Checkpointer) put(ctx context.Context, key string, data []byte) error {
	_, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (c *Checkpointer) SaveCheckpoint(ctx context.Context, cp *mapreduce.Checkpoint) error {
	data, err := mapreduce.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	if c.history > 0 {
		if err := c.archive(ctx, cp.JobID); err != nil {
			return err
		}
	}
	if err := c.put(ctx, c.currentKey(cp.JobID), data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if c.history > 0 {
		return c.trim(ctx, cp.JobID)
	}
	return nil
}

func (c *Checkpointer) archive(ctx context.Context, jobID string) error {
	prev, err := c.get(ctx, c.currentKey(jobID))
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to read previous checkpoint: %w", err)
	}
	var head struct {
		Sequence int64 `json:"sequence"`
	}
	_ = json.Unmarshal(prev, &head)
	if err := c.put(ctx, c.historyKey(jobID, head.Sequence), prev); err != nil {
		return fmt.Errorf("failed to archive checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) trim(ctx context.Context, jobID string) error {
	sequences, err := c.ListHistory(ctx, jobID)
	if err != nil {
		return err
	}
	for len(sequences) > c.history {
		if err := c.client.RemoveObject(ctx, c.bucket, c.historyKey(jobID, sequences[0]), minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to trim checkpoint history: %w", err)
		}
		sequences = sequences[1:]
	}
	return nil
}

func (c *Checkpointer) LoadCheckpoint(ctx context.Context, jobID string) (*mapreduce.Checkpoint, error) {
	data, err := c.get(ctx, c.currentKey(jobID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return mapreduce.DecodeCheckpoint(data)
}

func (c *Checkpointer) DeleteCheckpoint(ctx context.Context, jobID string) error {
	objects := c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    c.key(jobID) + "/",
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return obj.Err
		}
		if err := c.client.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to delete %s: %w", obj.Key, err)
		}
	}
	return nil
}

func (c *Checkpointer) ListHistory(ctx context.Context, jobID string) ([]int64, error) {
	objects := c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    c.key(jobID, "history") + "/",
		Recursive: true,
	})
	sequences := []int64{}
	for obj := range objects {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := path.Base(obj.Key)
		name, ok := strings.CutPrefix(name, "checkpoint-")
		if !ok {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	return sequences, nil
}

func (c *Checkpointer) LoadHistory(ctx context.Context, jobID string, sequence int64) (*mapreduce.Checkpoint, error) {
	data, err := c.get(ctx, c.historyKey(jobID, sequence))
	if err != nil {
		if isNotFound(err) {
			return nil, &mapreduce.Error{Kind: mapreduce.KindNotFound, Op: "load history", JobID: jobID,
				Err: fmt.Errorf("no checkpoint with sequence %d", sequence)}
		}
		return nil, err
	}
	return mapreduce.DecodeCheckpoint(data)
}

func (c *Checkpointer) ListJobs(ctx context.Context) ([]*mapreduce.JobSummary, error) {
	prefix := ""
	if c.prefix != "" {
		prefix = c.prefix + "/"
	}
	objects := c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix})
	summaries := []*mapreduce.JobSummary{}
	for obj := range objects {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, "/") {
			continue
		}
		jobID := path.Base(strings.TrimSuffix(obj.Key, "/"))
		cp, err := c.LoadCheckpoint(ctx, jobID)
		if err != nil || cp == nil {
			continue
		}
		summaries = append(summaries, mapreduce.Summarize(cp))
	}
	mapreduce.SortSummaries(summaries)
	return summaries, nil
}
