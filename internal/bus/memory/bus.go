// Package memory implements an in-process task.EventBus backed by buffered
// channels. Subscribers only see events published after they attach.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/taskstream/internal/bus"
	"github.com/JakeFAU/taskstream/internal/task"
)

// Bus fans out events to the subscriptions of each task id.
type Bus struct {
	opts  bus.Options
	drops *bus.DropReporter

	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

// New constructs an empty Bus.
func New(opts bus.Options) *Bus {
	opts = opts.WithDefaults()
	return &Bus{
		opts:  opts,
		drops: bus.NewDropReporter(opts, opts.DropLogInterval),
		subs:  make(map[string]map[*subscription]struct{}),
	}
}

// Publish delivers evt to every subscription currently attached to evt.TaskID.
// It never blocks on slow subscribers.
func (b *Bus) Publish(_ context.Context, evt task.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("publish %s: %w", evt.TaskID, errors.Join(task.ErrUnavailable, task.ErrClosed))
	}
	for sub := range b.subs[evt.TaskID] {
		if !sub.sender.TrySend(evt) {
			b.drops.Report(evt.TaskID)
		}
	}
	return nil
}

// Subscribe attaches a new subscription for taskID.
func (b *Bus) Subscribe(_ context.Context, taskID string) (task.Subscription, error) {
	if err := task.ValidateID(taskID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", taskID, errors.Join(task.ErrUnavailable, task.ErrClosed))
	}
	sub := &subscription{bus: b, taskID: taskID, sender: bus.NewSender(b.opts.BufferSize)}
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[taskID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Subscribers reports how many subscriptions are attached to taskID.
func (b *Bus) Subscribers(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[taskID])
}

// Close detaches and closes every subscription. Further calls fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, set := range b.subs {
		for sub := range set {
			sub.sender.Close()
		}
		delete(b.subs, id)
	}
	return nil
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.taskID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.taskID)
	}
}

type subscription struct {
	bus       *Bus
	taskID    string
	sender    *bus.Sender
	closeOnce sync.Once
}

func (s *subscription) Events() <-chan task.Event {
	return s.sender.C()
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		s.sender.Close()
	})
	return nil
}
