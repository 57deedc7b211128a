// Package system provides a real clock implementation.
package system

import "time"

// Resolution is the precision of timestamps handed out by Clock. It matches
// Postgres timestamptz so a record read back equals the record written.
const Resolution = time.Microsecond

// Clock implements task.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Resolution, without a
// monotonic reading.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Resolution)
}
