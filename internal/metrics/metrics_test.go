package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := httpRequestsTotal
	Init()
	if httpRequestsTotal != first {
		t.Fatal("Init() replaced collectors on second call")
	}
}

func TestSessionObserver(t *testing.T) {
	Init()
	obs := SessionObserver{}
	before := testutil.ToFloat64(sessionsActive)
	obs.SessionOpened("t")
	obs.SessionOpened("t")
	obs.SessionClosed("t")
	if got := testutil.ToFloat64(sessionsActive) - before; got != 1 {
		t.Fatalf("expected active sessions delta 1, got %f", got)
	}

	sent := testutil.ToFloat64(sessionMessagesTotal.WithLabelValues("sent"))
	obs.MessageSent("t")
	if got := testutil.ToFloat64(sessionMessagesTotal.WithLabelValues("sent")) - sent; got != 1 {
		t.Fatalf("expected sent delta 1, got %f", got)
	}
	suppressed := testutil.ToFloat64(sessionMessagesTotal.WithLabelValues("suppressed"))
	obs.MessageSuppressed("t")
	if got := testutil.ToFloat64(sessionMessagesTotal.WithLabelValues("suppressed")) - suppressed; got != 1 {
		t.Fatalf("expected suppressed delta 1, got %f", got)
	}
}

func TestTaskAndBusCounters(t *testing.T) {
	Init()
	drops := testutil.ToFloat64(busDroppedTotal)
	ObserveBusDrop("t")
	if got := testutil.ToFloat64(busDroppedTotal) - drops; got != 1 {
		t.Fatalf("expected drop delta 1, got %f", got)
	}

	completed := testutil.ToFloat64(tasksTotal.WithLabelValues("completed"))
	ObserveTask("completed", time.Second)
	if got := testutil.ToFloat64(tasksTotal.WithLabelValues("completed")) - completed; got != 1 {
		t.Fatalf("expected completed delta 1, got %f", got)
	}

	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != 0 {
		t.Fatalf("expected no active workers, got %f", got)
	}
}
