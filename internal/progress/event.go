package progress

import (
	"errors"
	"time"

	"github.com/JakeFAU/taskstream/internal/task"
)

// Kind separates successful transitions from producer failures.
type Kind string

// Supported event kinds.
const (
	KindTransition Kind = "transition"
	KindFailure    Kind = "failure"
)

// Event is one audit record for a task transition attempt.
type Event struct {
	// TaskID identifies the task.
	TaskID string
	// TS is the timestamp written with the transition.
	TS time.Time
	// Kind tells sinks whether the transition was persisted.
	Kind Kind
	// Stage is the status being entered.
	Stage task.Status
	// Progress is the percentage written with the stage.
	Progress int
	// Dur is the time elapsed since the producer started the task.
	Dur time.Duration
	// Note carries error text for failures.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindTransition:
		if e.Stage == "" {
			return errors.New("transition requires stage")
		}
	case KindFailure:
	default:
		return errors.New("unknown event kind")
	}
	if e.Progress < 0 || e.Progress > 100 {
		return errors.New("progress must be within 0..100")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Transition builds a KindTransition event from the values just written.
func Transition(rec task.Record, dur time.Duration) Event {
	return Event{
		TaskID:   rec.TaskID,
		TS:       rec.Timestamp,
		Kind:     KindTransition,
		Stage:    rec.Status,
		Progress: rec.Progress,
		Dur:      dur,
	}
}

// Finishes reports whether no further events are expected for the task.
func (e Event) Finishes() bool {
	return e.Kind == KindFailure || e.Stage.IsTerminal()
}
