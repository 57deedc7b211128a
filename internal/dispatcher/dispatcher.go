// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/taskstream/internal/task"
	"github.com/JakeFAU/taskstream/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   task.Queue
	workers []*worker.Worker
	wg      sync.WaitGroup
}

// New creates a Dispatcher.
func New(queue task.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(wk *worker.Worker) {
			defer d.wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	d.wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item task.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
