// Package worker executes accepted tasks pulled from the queue.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/metrics"
	"github.com/JakeFAU/taskstream/internal/task"
	"github.com/JakeFAU/taskstream/internal/telemetry"
)

// Runner drives one task to completion.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives a completion notice per finished task. Empty disables it.
	Topic string
	// TaskTimeout bounds a single task execution. Zero means no limit.
	TaskTimeout time.Duration
}

// Worker consumes queue items and runs them through the producer.
type Worker struct {
	queue     task.Queue
	runner    Runner
	publisher task.Publisher
	clock     task.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil.
func New(
	queue task.Queue,
	runner Runner,
	publisher task.Publisher,
	clock task.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		runner:    runner,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, task.ErrClosed) {
				w.logger.Debug("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item task.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "task.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", item.TaskID),
		attribute.Int("attempt", item.Attempt),
	)

	runCtx := ctx
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := w.runner.Run(runCtx, item.TaskID); err != nil {
		result := "failed"
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			result = "interrupted"
		}
		metrics.ObserveTask(result, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		w.logger.Warn("task stopped before completion",
			zap.String("task_id", item.TaskID),
			zap.String("result", result),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveTask("completed", time.Since(start))
	w.logger.Info("task completed", zap.String("task_id", item.TaskID), zap.Duration("elapsed", time.Since(start)))
	w.notify(ctx, item.TaskID)
}

func (w *Worker) notify(ctx context.Context, taskID string) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	notice := task.CompletionNotice{
		TaskID:      taskID,
		Status:      task.StatusCompleted,
		Progress:    100,
		CompletedAt: w.clock.Now(),
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, notice)
	if err != nil {
		w.logger.Error("completion notice publish failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	w.logger.Debug("completion notice published", zap.String("task_id", taskID), zap.String("message_id", id))
}
