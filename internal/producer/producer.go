// Package producer drives task status transitions. Every transition is written
// to the state store before it is announced on the event bus, so a subscriber
// reading the store after seeing an event never observes an older state.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/progress"
	"github.com/JakeFAU/taskstream/internal/task"
)

// DefaultStageDelay is the pause between canonical stages.
const DefaultStageDelay = 5 * time.Second

// Config controls producer pacing.
type Config struct {
	// StageDelay is waited between consecutive stages of Run. Zero means
	// DefaultStageDelay; a negative value disables the wait.
	StageDelay time.Duration
}

// Producer builds adapters bound to the shared store and bus.
type Producer struct {
	store   task.StateStore
	bus     task.EventBus
	clock   task.Clock
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Producer. emitter may be nil.
func New(
	store task.StateStore,
	bus task.EventBus,
	clock task.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Producer {
	if cfg.StageDelay == 0 {
		cfg.StageDelay = DefaultStageDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		store:   store,
		bus:     bus,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.Named("producer"),
	}
}

// Adapter returns a transition writer for taskID. Adapters are not shared
// between tasks; one adapter must be used per task execution.
func (p *Producer) Adapter(taskID string) *Adapter {
	return &Adapter{p: p, taskID: taskID}
}

// Run walks the canonical stage sequence for taskID. It stops at the first
// failed transition or when ctx ends, leaving the record at the last stage
// that was written.
func (p *Producer) Run(ctx context.Context, taskID string) error {
	adapter := p.Adapter(taskID)
	for i, stage := range task.Stages() {
		if i > 0 {
			if err := p.wait(ctx); err != nil {
				return fmt.Errorf("task %s interrupted before %s: %w", taskID, stage, err)
			}
		}
		if _, err := adapter.Advance(ctx, stage, task.ProgressAt(i)); err != nil {
			p.emitFailure(taskID, stage, err)
			return err
		}
	}
	return nil
}

func (p *Producer) wait(ctx context.Context) error {
	if p.cfg.StageDelay < 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.cfg.StageDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Producer) emitFailure(taskID string, stage task.Status, err error) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(progress.Event{
		TaskID: taskID,
		TS:     p.clock.Now(),
		Kind:   progress.KindFailure,
		Stage:  stage,
		Note:   err.Error(),
	})
}

// Adapter writes transitions for a single task.
type Adapter struct {
	p      *Producer
	taskID string

	mu      sync.Mutex
	seeded  bool
	last    task.Record
	started time.Time
}

// Advance records that the task entered stage with the given progress:
// it stamps the transition, upserts the store, then publishes the event. The
// returned record is exactly what was written.
func (a *Adapter) Advance(ctx context.Context, stage task.Status, pct int) (task.Record, error) {
	if stage == "" {
		return task.Record{}, errors.New("stage is required")
	}
	if pct < 0 || pct > 100 {
		return task.Record{}, fmt.Errorf("progress %d out of range 0..100", pct)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.seed(ctx); err != nil {
		return task.Record{}, err
	}
	if pct < a.last.Progress {
		return task.Record{}, fmt.Errorf("advance %s to %s at %d%% (was %d%%): %w",
			a.taskID, stage, pct, a.last.Progress, task.ErrProgressRegression)
	}

	now := a.p.clock.Now()
	if now.Before(a.last.Timestamp) {
		now = a.last.Timestamp
	}
	rec := task.Record{TaskID: a.taskID, Status: stage, Progress: pct, Timestamp: now}

	if err := a.p.store.Put(ctx, rec); err != nil {
		return task.Record{}, fmt.Errorf("store %s transition: %w", stage, err)
	}
	a.last = rec
	if a.started.IsZero() {
		a.started = now
	}

	evt := task.Event{TaskID: a.taskID, Stage: stage, Progress: pct, Timestamp: now}
	if err := a.p.bus.Publish(ctx, evt); err != nil {
		return task.Record{}, fmt.Errorf("publish %s transition: %w", stage, err)
	}

	a.p.logger.Debug("task advanced",
		zap.String("task_id", a.taskID),
		zap.String("status", string(stage)),
		zap.Int("progress", pct),
	)
	if a.p.emitter != nil {
		a.p.emitter.Emit(progress.Transition(rec, now.Sub(a.started)))
	}
	return rec, nil
}

// seed loads the record written by the accept step so timestamps and progress
// continue from it.
func (a *Adapter) seed(ctx context.Context) error {
	if a.seeded {
		return nil
	}
	rec, err := a.p.store.Get(ctx, a.taskID)
	switch {
	case err == nil:
		a.last = rec
	case errors.Is(err, task.ErrNotFound):
	default:
		return fmt.Errorf("load %s before advance: %w", a.taskID, err)
	}
	a.seeded = true
	return nil
}
