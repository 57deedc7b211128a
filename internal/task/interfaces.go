package task

import (
	"context"
	"time"
)

// StateStore persists the latest record per task id.
type StateStore interface {
	// Put upserts the record for taskID, creating it when absent.
	Put(ctx context.Context, rec Record) error
	// Get returns the record for taskID or ErrNotFound.
	Get(ctx context.Context, taskID string) (Record, error)
	// Close releases the underlying resources.
	Close() error
}

// EventBus broadcasts events to the subscriptions attached to a task id at the
// instant of publish. Delivery is best effort with no backlog.
type EventBus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe attaches a subscription. Events published after Subscribe
	// returns are delivered to it, in publish order.
	Subscribe(ctx context.Context, taskID string) (Subscription, error)
	Close() error
}

// Subscription is a live, lazily consumed sequence of events for one task id.
type Subscription interface {
	// Events yields messages until the subscription is closed, at which point
	// the channel is closed.
	Events() <-chan Event
	// Close releases the subscription. It is idempotent.
	Close() error
}

// Queue provides enqueue/dequeue semantics for accepted tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Publisher pushes completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
