// Package memory provides the bounded in-process task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/taskstream/internal/task"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = fmt.Errorf("queue: %w", task.ErrClosed)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan task.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan task.QueueItem, capacity),
	}
}

// Enqueue pushes an item into the queue, blocking while it is full until the
// context ends.
func (q *Queue) Enqueue(ctx context.Context, item task.QueueItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (task.QueueItem, error) {
	select {
	case <-ctx.Done():
		return task.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return task.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting items. Queued items can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
