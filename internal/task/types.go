package task

import (
	"strings"
	"time"
)

// Status is a named point in a task's lifecycle. It is an open string type;
// the constants below form the canonical ordered progression.
type Status string

// Lifecycle values written by the accept step and the producer.
const (
	StatusPending    Status = "PENDING"
	StatusStarted    Status = "STARTED"
	StatusProcessing Status = "PROCESSING"
	StatusConcluding Status = "CONCLUDING"
	StatusCompleted  Status = "COMPLETED"
)

// ProgressPerStage is the progress increment contributed by each canonical stage.
const ProgressPerStage = 25

// Stages returns the canonical sequence driven by the producer. PENDING is not
// part of it; the accept step writes PENDING before the producer runs.
func Stages() []Status {
	return []Status{StatusStarted, StatusProcessing, StatusConcluding, StatusCompleted}
}

// ProgressAt returns the progress associated with position i of Stages.
func ProgressAt(i int) int {
	p := (i + 1) * ProgressPerStage
	if p > 100 {
		return 100
	}
	return p
}

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// Record is the latest known state of a task as held by the StateStore.
type Record struct {
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a transient bus message announcing a stage transition. Progress and
// Timestamp mirror the values written to the store in the same step.
type Event struct {
	TaskID    string    `json:"task_id"`
	Stage     Status    `json:"stage"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// Record converts the event into the state it announces.
func (e Event) Record() Record {
	return Record{
		TaskID:    e.TaskID,
		Status:    e.Stage,
		Progress:  e.Progress,
		Timestamp: e.Timestamp,
	}
}

// Message is the structured payload pushed to live subscribers. Timestamp is
// expressed in fractional seconds since the Unix epoch.
type Message struct {
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Timestamp float64 `json:"timestamp"`
}

// MessageFromRecord builds the client payload for a record.
func MessageFromRecord(r Record) Message {
	return Message{
		TaskID:    r.TaskID,
		Status:    string(r.Status),
		Progress:  r.Progress,
		Timestamp: float64(r.Timestamp.UnixNano()) / float64(time.Second),
	}
}

// QueueItem wraps a task ready to be executed by a worker.
type QueueItem struct {
	TaskID    string
	Attempt   int
	Submitted int64
}

// ValidateID rejects identifiers that cannot be used as bus subjects or store keys.
func ValidateID(taskID string) error {
	if taskID == "" {
		return ErrInvalidTaskID
	}
	if len(taskID) > 128 || strings.ContainsAny(taskID, " \t\r\n.*>/\\") {
		return ErrInvalidTaskID
	}
	return nil
}

// CompletionNotice is published to the notification topic when a task
// reaches a terminal stage.
type CompletionNotice struct {
	TaskID      string    `json:"task_id"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	CompletedAt time.Time `json:"completed_at"`
}

// Attributes exposes routing attributes for message brokers.
func (n CompletionNotice) Attributes() map[string]string {
	return map[string]string{"task_id": n.TaskID, "status": string(n.Status)}
}
