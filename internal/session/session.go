// Package session implements the per-connection subscription lifecycle.
//
// A session attaches to the event bus before reading the stored snapshot, so
// no transition can fall between the snapshot and the live stream. The
// overlap this creates is resolved by suppressing messages that are stale or
// identical to the last one delivered.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/registry"
	"github.com/JakeFAU/taskstream/internal/task"
)

// State is the lifecycle position of a Session.
type State int32

// Session states.
const (
	StateAttaching State = iota
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "ATTACHING"
	case StateLive:
		return "LIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport delivers messages to one client.
type Transport interface {
	Send(ctx context.Context, msg task.Message) error
}

// Observer receives session accounting callbacks. Implementations must not block.
type Observer interface {
	SessionOpened(taskID string)
	SessionClosed(taskID string)
	MessageSent(taskID string)
	MessageSuppressed(taskID string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string)     {}
func (nopObserver) SessionClosed(string)     {}
func (nopObserver) MessageSent(string)       {}
func (nopObserver) MessageSuppressed(string) {}

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Store    task.StateStore
	Bus      task.EventBus
	Registry *registry.Registry
	Observer Observer
	Logger   *zap.Logger
}

// Manager opens sessions bound to a common set of dependencies.
type Manager struct {
	deps Deps
}

// NewManager validates deps and fills defaults.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Bus == nil {
		return nil, errors.New("session manager requires store and bus")
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("session")
	return &Manager{deps: deps}, nil
}

// Registry returns the registry sessions are tracked in.
func (m *Manager) Registry() *registry.Registry {
	return m.deps.Registry
}

// Open creates a session for taskID writing to transport and registers it.
// The session does nothing until Run is called.
func (m *Manager) Open(taskID string, transport Transport) *Session {
	s := &Session{
		id:        uuid.NewString(),
		taskID:    taskID,
		transport: transport,
		deps:      m.deps,
		logger:    m.deps.Logger.With(zap.String("task_id", taskID)),
		done:      make(chan struct{}),
	}
	m.deps.Registry.Register(taskID, s)
	m.deps.Observer.SessionOpened(taskID)
	return s
}

// Session streams the state of one task to one transport.
type Session struct {
	id        string
	taskID    string
	transport Transport
	deps      Deps
	logger    *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	sub    task.Subscription
	closed bool
	done   chan struct{}

	closeOnce sync.Once

	sentAny bool
	last    task.Message
}

// ID identifies the session within the registry.
func (s *Session) ID() string { return s.id }

// TaskID is the task the session follows.
func (s *Session) TaskID() string { return s.taskID }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run attaches the session and pumps live events until the session closes.
// It returns nil on an orderly close (context end, Close, bus shutdown) and the
// causing error when attaching or sending failed. The session is always
// CLOSED when Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	sub, err := s.attach(ctx)
	if err != nil {
		if s.isClosed() || ctx.Err() != nil {
			return nil
		}
		return err
	}

	if !s.state.CompareAndSwap(int32(StateAttaching), int32(StateLive)) {
		return nil
	}
	s.logger.Debug("session live")

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.deliver(ctx, evt.Record()); err != nil {
				return err
			}
		}
	}
}

func (s *Session) attach(ctx context.Context) (task.Subscription, error) {
	sub, err := s.deps.Bus.Subscribe(ctx, s.taskID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.taskID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close()
		return nil, errors.New("session closed while attaching")
	}
	s.sub = sub
	s.mu.Unlock()

	snapshot, err := s.deps.Store.Get(ctx, s.taskID)
	switch {
	case err == nil:
		if err := s.deliver(ctx, snapshot); err != nil {
			return nil, err
		}
	case errors.Is(err, task.ErrNotFound):
		s.logger.Debug("no snapshot for task")
	default:
		return nil, fmt.Errorf("snapshot %s: %w", s.taskID, err)
	}
	return sub, nil
}

func (s *Session) deliver(ctx context.Context, rec task.Record) error {
	msg := task.MessageFromRecord(rec)
	if s.sentAny && (msg.Progress < s.last.Progress || msg == s.last) {
		s.deps.Observer.MessageSuppressed(s.taskID)
		return nil
	}
	if err := s.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s update: %w", s.taskID, err)
	}
	s.sentAny = true
	s.last = msg
	s.deps.Observer.MessageSent(s.taskID)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the bus subscription and removes the session from the
// registry. It is safe to call from any goroutine, any number of times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.mu.Lock()
		s.closed = true
		sub := s.sub
		s.sub = nil
		close(s.done)
		s.mu.Unlock()

		if sub != nil {
			err = sub.Close()
		}
		s.deps.Registry.Deregister(s.taskID, s)
		s.deps.Observer.SessionClosed(s.taskID)
		s.logger.Debug("session closed")
	})
	return err
}
