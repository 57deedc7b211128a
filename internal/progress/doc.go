// Package progress provides the audit event type, a non-blocking hub, and the
// emitter interface the producer uses to report task transitions. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// Prometheus metrics or structured logs. The hub sits beside the event bus and
// never feeds subscribers.
package progress
