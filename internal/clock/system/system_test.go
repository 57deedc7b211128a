// Package system exercises the real-time clock adapter.
package system

import (
	"strings"
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	requireNotNil(t, clk)

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockNowMonotonic checks successive timestamps are non-decreasing.
func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	if second.Before(first) {
		t.Fatalf("expected second call %v to be >= first %v", second, first)
	}
}

// TestClockNowResolution checks timestamps carry no sub-microsecond digits.
func TestClockNowResolution(t *testing.T) {
	t.Parallel()

	got := New().Now()
	if got.Nanosecond()%int(Resolution) != 0 {
		t.Fatalf("expected microsecond resolution, got %d ns", got.Nanosecond())
	}
	if strings.Contains(got.String(), "m=") {
		t.Fatalf("expected a wall-clock-only time, got %v", got)
	}
}

func requireNotNil(t *testing.T, v any) {
	t.Helper()
	if v == nil {
		t.Fatal("expected value to be non-nil")
	}
}
