// Package natsbus implements task.EventBus over core NATS subjects so that
// producers and subscribers may live in different processes.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/bus"
	"github.com/JakeFAU/taskstream/internal/task"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "taskstream.tasks"

// Config controls subject naming and backpressure.
type Config struct {
	SubjectPrefix string
	bus.Options
}

// Bus publishes task events on "<prefix>.<task_id>.updates".
type Bus struct {
	nc     *nats.Conn
	prefix string
	opts   bus.Options
	drops  *bus.DropReporter
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New wraps an established connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, cfg Config) (*Bus, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	opts := cfg.Options.WithDefaults()
	return &Bus{
		nc:     nc,
		prefix: prefix,
		opts:   opts,
		drops:  bus.NewDropReporter(opts, opts.DropLogInterval),
		logger: opts.Logger.Named("nats_bus"),
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Subject returns the subject used for taskID.
func (b *Bus) Subject(taskID string) string {
	return b.prefix + "." + taskID + ".updates"
}

// Publish sends evt to the task subject and waits for the server to
// acknowledge the flush. While the connection is reconnecting nats.go would
// buffer the message and report success, so Publish fails instead.
func (b *Bus) Publish(ctx context.Context, evt task.Event) error {
	if err := task.ValidateID(evt.TaskID); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("publish %s: %w", evt.TaskID, errors.Join(task.ErrUnavailable, task.ErrClosed))
	}
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("publish %s: connection %s: %w", evt.TaskID, status, task.ErrUnavailable)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal task event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(evt.TaskID), payload); err != nil {
		return fmt.Errorf("publish task event: %w", errors.Join(task.ErrUnavailable, err))
	}
	fctx, cancel := flushContext(ctx)
	defer cancel()
	if err := b.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("flush task event: %w", errors.Join(task.ErrUnavailable, err))
	}
	return nil
}

// Subscribe registers interest in taskID and waits for the server to confirm
// it, so events published after Subscribe returns are not missed.
func (b *Bus) Subscribe(ctx context.Context, taskID string) (task.Subscription, error) {
	if err := task.ValidateID(taskID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", taskID, errors.Join(task.ErrUnavailable, task.ErrClosed))
	}

	sub := &subscription{bus: b, taskID: taskID, sender: bus.NewSender(b.opts.BufferSize)}
	ns, err := b.nc.Subscribe(b.Subject(taskID), sub.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe task subject: %w", errors.Join(task.ErrUnavailable, err))
	}
	fctx, cancel := flushContext(ctx)
	defer cancel()
	if err := b.nc.FlushWithContext(fctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", errors.Join(task.ErrUnavailable, err))
	}
	sub.ns = ns
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close unsubscribes every live subscription. The connection stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) forget(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func flushContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	// FlushWithContext requires a deadline.
	return context.WithTimeout(ctx, 5*time.Second)
}

type subscription struct {
	bus       *Bus
	taskID    string
	ns        *nats.Subscription
	sender    *bus.Sender
	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) handle(msg *nats.Msg) {
	var evt task.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.bus.logger.Warn("discarding malformed task event",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}
	if !s.sender.TrySend(evt) {
		s.bus.drops.Report(s.taskID)
	}
}

func (s *subscription) Events() <-chan task.Event {
	return s.sender.C()
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.forget(s)
		if s.ns != nil {
			if err := s.ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) &&
				!errors.Is(err, nats.ErrBadSubscription) {
				s.closeErr = fmt.Errorf("unsubscribe %s: %w", s.taskID, err)
			}
		}
		s.sender.Close()
	})
	return s.closeErr
}
