package task

import "errors"

var (
	// ErrNotFound signals that no record exists for the task id. Callers treat
	// it as "no snapshot available", never as task failure.
	ErrNotFound = errors.New("task record not found")
	// ErrUnavailable wraps failures of the shared store or bus infrastructure.
	ErrUnavailable = errors.New("task infrastructure unavailable")
	// ErrInvalidTaskID is returned for empty or malformed identifiers.
	ErrInvalidTaskID = errors.New("invalid task id")
	// ErrProgressRegression is returned when a producer tries to lower progress.
	ErrProgressRegression = errors.New("task progress must not decrease")
	// ErrClosed is returned by buses and stores used after Close.
	ErrClosed = errors.New("task channel closed")
)
