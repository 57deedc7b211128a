package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/task"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(task.StatusStarted)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(task.StatusStarted))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(task.StatusStarted))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(task.StatusStarted)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage task.Status) Event {
	return Event{
		TaskID:   "task-1",
		TS:       time.Now(),
		Kind:     KindTransition,
		Stage:    stage,
		Progress: 25,
	}
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{TaskID: "task-1", TS: time.Now(), Kind: KindTransition})
	hub.Emit(Event{TaskID: "task-1", TS: time.Now(), Kind: KindTransition, Stage: task.StatusStarted, Progress: 101})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubEmitAfterCloseIgnored(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 1}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(task.StatusCompleted))
	require.Empty(t, sink.Batches())
}

func TestHubDeliversFinishedTaskImmediately(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(taskEvent("task-a", task.StatusStarted, 25))
	hub.Emit(taskEvent("task-b", task.StatusStarted, 25))
	hub.Emit(taskEvent("task-a", task.StatusCompleted, 100))

	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	first := sink.Batches()[0]
	require.Len(t, first, 2)
	for _, evt := range first {
		require.Equal(t, "task-a", evt.TaskID)
	}
	require.Equal(t, task.StatusCompleted, first[1].Stage)

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 2)
	require.Equal(t, "task-b", batches[1][0].TaskID)
}

func TestHubDeliversFailureImmediately(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{TaskID: "task-a", TS: time.Now(), Kind: KindFailure, Stage: task.StatusProcessing, Note: "store down"})
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && b[0][0].Kind == KindFailure
	}, time.Second, 5*time.Millisecond)
}

func TestHubGroupsBatchByTask(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 4, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(taskEvent("task-a", task.StatusStarted, 25))
	hub.Emit(taskEvent("task-b", task.StatusStarted, 25))
	hub.Emit(taskEvent("task-a", task.StatusProcessing, 50))
	hub.Emit(taskEvent("task-b", task.StatusProcessing, 50))

	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	var got []string
	for _, evt := range sink.Batches()[0] {
		got = append(got, evt.TaskID+":"+string(evt.Stage))
	}
	require.Equal(t, []string{
		"task-a:STARTED", "task-a:PROCESSING",
		"task-b:STARTED", "task-b:PROCESSING",
	}, got)
}

// A steady stream of events must not keep postponing delivery.
func TestHubDeadlineBoundsOldestEvent(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 256, MaxBatchEvents: 1000, MaxBatchWait: 30 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	stop := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(stop) {
		hub.Emit(taskEvent("task-a", task.StatusProcessing, 50))
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, sink.Batches())
}

func TestEventFinishes(t *testing.T) {
	t.Parallel()

	require.True(t, taskEvent("t", task.StatusCompleted, 100).Finishes())
	require.False(t, taskEvent("t", task.StatusConcluding, 75).Finishes())
	require.True(t, Event{Kind: KindFailure, Stage: task.StatusStarted}.Finishes())
}

func taskEvent(taskID string, stage task.Status, pct int) Event {
	return Event{TaskID: taskID, TS: time.Now(), Kind: KindTransition, Stage: stage, Progress: pct}
}

func TestTransitionFromRecord(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1700000000, 0)
	evt := Transition(task.Record{TaskID: "t", Status: task.StatusProcessing, Progress: 50, Timestamp: ts}, time.Second)
	require.NoError(t, evt.Validate())
	require.Equal(t, Event{TaskID: "t", TS: ts, Kind: KindTransition, Stage: task.StatusProcessing, Progress: 50, Dur: time.Second}, evt)
}
