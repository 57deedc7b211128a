package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/taskstream/internal/task"
)

// Sender owns the buffered channel behind one subscription. Sends never block
// and a closed Sender silently discards events.
type Sender struct {
	mu      sync.Mutex
	ch      chan task.Event
	closed  bool
	dropped atomic.Int64
}

// NewSender allocates a Sender with the given buffer.
func NewSender(size int) *Sender {
	return &Sender{ch: make(chan task.Event, size)}
}

// C returns the receive side.
func (s *Sender) C() <-chan task.Event {
	return s.ch
}

// TrySend queues evt and reports false when the buffer was full.
func (s *Sender) TrySend(evt task.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped reports how many events were discarded for this subscription.
func (s *Sender) Dropped() int64 {
	return s.dropped.Load()
}

// Close closes the channel once.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// DropReporter counts dropped events and logs at most one warning per interval.
type DropReporter struct {
	opts    Options
	dropped atomic.Int64
	limiter *rate.Limiter
}

// NewDropReporter builds a reporter logging at most once every interval.
func NewDropReporter(opts Options, interval time.Duration) *DropReporter {
	return &DropReporter{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Report records a drop for taskID.
func (r *DropReporter) Report(taskID string) {
	r.opts.OnDrop(taskID)
	r.dropped.Add(1)
	if r.limiter.Allow() {
		count := r.dropped.Swap(0)
		r.opts.Logger.Warn("task events dropped for slow subscriber",
			zap.String("task_id", taskID),
			zap.Int64("dropped", count),
		)
	}
}
