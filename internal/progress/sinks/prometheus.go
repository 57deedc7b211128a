package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/taskstream/internal/progress"
	"github.com/JakeFAU/taskstream/internal/task"
)

// PrometheusSink exports task lifecycle metrics. It owns the collectors for
// transitions, tasks in flight and completion runtimes.
type PrometheusSink struct {
	transitions   *prometheus.CounterVec
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskstream_transitions_total",
			Help: "Task stage transitions written by producers.",
		}, []string{"stage"}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskstream_tasks_started_total",
			Help: "Tasks that entered the first producer stage.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskstream_tasks_finished_total",
			Help: "Tasks that stopped advancing, partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskstream_tasks_running",
			Help: "Tasks currently between STARTED and a terminal outcome.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskstream_task_runtime_seconds",
			Help:    "Wall time from STARTED to the final transition.",
			Buckets: []float64{1, 5, 10, 15, 20, 30, 60, 120, 300},
		}, []string{"result"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.transitions,
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register audit collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindFailure:
		s.finish(evt, "error")
	case progress.KindTransition:
		s.transitions.WithLabelValues(string(evt.Stage)).Inc()
		switch {
		case evt.Stage == task.StatusStarted:
			s.tasksStarted.Inc()
			if s.tracker.start(evt.TaskID) {
				s.tasksRunning.Inc()
			}
		case evt.Stage.IsTerminal():
			s.finish(evt, "success")
		}
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.tasksFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
