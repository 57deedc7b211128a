package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the Emit channel (default 4096).
//   - MaxBatchEvents: pending events across all tasks that force a flush (default 1000).
//   - MaxBatchWait: longest an event waits for delivery (default 500ms).
//   - SinkTimeout: per-sink deadline for one Consume call (default 10s).
//   - BaseContext: parent of the sink contexts (default context.Background()).
//   - Logger: receives drop and sink warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub collects audit events from producers and delivers them to sinks on a
// single goroutine. Events are held per task so a delivered batch lists each
// task's transitions contiguously and in emission order. A task that finishes
// (COMPLETED or a failure) is delivered at once instead of waiting for the
// batch deadline. Emit never blocks.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter *rate.Limiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the delivery goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("audit_hub"),
		dropLimiter: rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}
	go h.run()
	return h
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	return c
}

// Emit queues evt for delivery. Invalid events are discarded; when the buffer
// is full the event is dropped and counted.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid audit event", zap.String("task_id", evt.TaskID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.dropLimiter == nil || h.dropLimiter.Allow() {
			h.logger.Warn("audit events dropped due to backpressure",
				zap.String("task_id", evt.TaskID),
				zap.Int64("dropped", h.dropped.Swap(0)),
			)
		}
	}
}

// Close stops intake, delivers everything still queued, closes the sinks and
// waits for the delivery goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// Dropped reports events discarded since the last backpressure warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) run() {
	defer close(h.doneCh)

	pending := newPendingSet()
	// The deadline is armed by the first pending event and is not pushed back
	// by later ones, so a steady stream still flushes every MaxBatchWait.
	deadline := time.NewTimer(h.cfg.MaxBatchWait)
	deadline.Stop()
	armed := false
	disarm := func() {
		deadline.Stop()
		armed = false
	}

	for {
		select {
		case evt := <-h.events:
			pending.add(evt)
			switch {
			case evt.Finishes():
				h.deliver(pending.take(evt.TaskID))
				if pending.len() == 0 {
					disarm()
				}
			case pending.len() >= h.cfg.MaxBatchEvents:
				h.deliver(pending.drain())
				disarm()
			case !armed:
				deadline.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-deadline.C:
			armed = false
			h.deliver(pending.drain())
		case <-h.stopCh:
			disarm()
			h.shutdown(pending)
			return
		}
	}
}

func (h *Hub) shutdown(pending *pendingSet) {
	for {
		select {
		case evt := <-h.events:
			pending.add(evt)
			if pending.len() >= h.cfg.MaxBatchEvents {
				h.deliver(pending.drain())
			}
		default:
			h.deliver(pending.drain())
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("audit sink consume failed",
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("audit sink close failed", zap.Error(err))
		}
	}
}

// pendingSet holds undelivered events grouped by task, remembering the order
// in which tasks first appeared.
type pendingSet struct {
	order  []string
	byTask map[string][]Event
	size   int
}

func newPendingSet() *pendingSet {
	return &pendingSet{byTask: make(map[string][]Event)}
}

func (p *pendingSet) len() int { return p.size }

func (p *pendingSet) add(evt Event) {
	if _, ok := p.byTask[evt.TaskID]; !ok {
		p.order = append(p.order, evt.TaskID)
	}
	p.byTask[evt.TaskID] = append(p.byTask[evt.TaskID], evt)
	p.size++
}

// take removes and returns the events of one task.
func (p *pendingSet) take(taskID string) []Event {
	events, ok := p.byTask[taskID]
	if !ok {
		return nil
	}
	delete(p.byTask, taskID)
	for i, id := range p.order {
		if id == taskID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.size -= len(events)
	return events
}

// drain removes everything, task by task.
func (p *pendingSet) drain() []Event {
	if p.size == 0 {
		return nil
	}
	out := make([]Event, 0, p.size)
	for _, id := range p.order {
		out = append(out, p.byTask[id]...)
	}
	p.order = p.order[:0]
	clear(p.byTask)
	p.size = 0
	return out
}
