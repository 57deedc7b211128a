// Package natskv stores task records in a NATS JetStream KeyValue bucket.
// Bucket TTL bounds how long finished tasks stay visible to late subscribers.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/JakeFAU/taskstream/internal/natsutil"
	"github.com/JakeFAU/taskstream/internal/task"
)

// Config controls the backing bucket.
type Config struct {
	Bucket   string
	TTL      time.Duration
	Replicas int
}

// RecordStore implements task.StateStore on top of a KV bucket.
type RecordStore struct {
	kv jetstream.KeyValue
}

// NewRecordStore creates or opens the bucket described by cfg.
func NewRecordStore(ctx context.Context, js jetstream.JetStream, cfg Config) (*RecordStore, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "taskstream-records"
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("kv ttl must be >= 0, got %s", cfg.TTL)
	}
	kv, err := natsutil.EnsureKVBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "latest task status records",
		TTL:         cfg.TTL,
		History:     1,
		Replicas:    cfg.Replicas,
	}, 3)
	if err != nil {
		return nil, errors.Join(task.ErrUnavailable, err)
	}
	return NewRecordStoreWithKV(kv), nil
}

// NewRecordStoreWithKV wraps an already opened bucket.
func NewRecordStoreWithKV(kv jetstream.KeyValue) *RecordStore {
	return &RecordStore{kv: kv}
}

type storedRecord struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Timestamp int64  `json:"ts_unix_nano"`
}

// Put upserts the record.
func (s *RecordStore) Put(ctx context.Context, rec task.Record) error {
	if err := task.ValidateID(rec.TaskID); err != nil {
		return err
	}
	payload, err := json.Marshal(storedRecord{
		Status:    string(rec.Status),
		Progress:  rec.Progress,
		Timestamp: rec.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}
	if _, err := s.kv.Put(ctx, rec.TaskID, payload); err != nil {
		return fmt.Errorf("put task record: %w", errors.Join(task.ErrUnavailable, err))
	}
	return nil
}

// Get returns the record for taskID or task.ErrNotFound. Expired or deleted
// keys are reported as not found.
func (s *RecordStore) Get(ctx context.Context, taskID string) (task.Record, error) {
	if err := task.ValidateID(taskID); err != nil {
		return task.Record{}, task.ErrNotFound
	}
	entry, err := s.kv.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return task.Record{}, task.ErrNotFound
		}
		return task.Record{}, fmt.Errorf("get task record: %w", errors.Join(task.ErrUnavailable, err))
	}
	var stored storedRecord
	if err := json.Unmarshal(entry.Value(), &stored); err != nil {
		return task.Record{}, fmt.Errorf("decode task record %s: %w", taskID, err)
	}
	return task.Record{
		TaskID:    taskID,
		Status:    task.Status(stored.Status),
		Progress:  stored.Progress,
		Timestamp: time.Unix(0, stored.Timestamp).UTC(),
	}, nil
}

// Ping checks that the bucket is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if _, err := s.kv.Status(ctx); err != nil {
		return errors.Join(task.ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *RecordStore) Close() error {
	return nil
}
