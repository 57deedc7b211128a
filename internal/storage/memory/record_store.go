// Package memory provides in-process implementations of the task storage
// contracts for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/taskstream/internal/task"
)

// RecordStore keeps the latest task record per id in a map.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]task.Record
	closed  bool
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]task.Record)}
}

// Put upserts the record.
func (s *RecordStore) Put(_ context.Context, rec task.Record) error {
	if err := task.ValidateID(rec.TaskID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("put %s: %w", rec.TaskID, errors.Join(task.ErrUnavailable, task.ErrClosed))
	}
	s.records[rec.TaskID] = rec
	return nil
}

// Get returns the record for taskID or task.ErrNotFound.
func (s *RecordStore) Get(_ context.Context, taskID string) (task.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return task.Record{}, fmt.Errorf("get %s: %w", taskID, errors.Join(task.ErrUnavailable, task.ErrClosed))
	}
	rec, ok := s.records[taskID]
	if !ok {
		return task.Record{}, task.ErrNotFound
	}
	return rec, nil
}

// Len reports how many records are held.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close marks the store unusable. Records are discarded.
func (s *RecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = make(map[string]task.Record)
	return nil
}
