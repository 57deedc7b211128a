// Package bus holds the shared options for task.EventBus implementations.
// Backends live in the memory and nats subpackages.
package bus

import (
	"time"

	"go.uber.org/zap"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultBufferSize      = 16
	DefaultDropLogInterval = 5 * time.Second
)

// Options configures backpressure handling common to every backend.
type Options struct {
	// BufferSize bounds the events queued for one subscription. When the
	// buffer is full further events for that subscription are dropped.
	BufferSize int
	// OnDrop is invoked once per dropped event. It must not block.
	OnDrop func(taskID string)
	// DropLogInterval spaces the slow-subscriber warnings.
	DropLogInterval time.Duration
	Logger          *zap.Logger
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.DropLogInterval <= 0 {
		o.DropLogInterval = DefaultDropLogInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OnDrop == nil {
		o.OnDrop = func(string) {}
	}
	return o
}
