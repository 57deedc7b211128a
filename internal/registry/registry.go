// Package registry tracks the live subscription sessions of each task. It is
// used for accounting and shutdown drain only; event delivery never goes
// through it.
package registry

import (
	"context"
	"sort"
	"sync"
)

// Entry is a registered session.
type Entry interface {
	ID() string
	Close() error
}

// Registry maps task ids to their active sessions.
type Registry struct {
	mu      sync.Mutex
	entries map[string]map[string]Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]map[string]Entry)}
}

// Register adds e under taskID.
func (r *Registry) Register(taskID string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entries[taskID]
	if !ok {
		set = make(map[string]Entry)
		r.entries[taskID] = set
	}
	set[e.ID()] = e
}

// Deregister removes e from taskID, dropping the task key once it has no
// sessions left. Removing an absent entry is a no-op.
func (r *Registry) Deregister(taskID string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entries[taskID]
	if !ok {
		return
	}
	delete(set, e.ID())
	if len(set) == 0 {
		delete(r.entries, taskID)
	}
}

// Count reports the sessions registered for taskID.
func (r *Registry) Count(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[taskID])
}

// Total reports sessions across all tasks.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.entries {
		n += len(set)
	}
	return n
}

// Tasks lists task ids with at least one session, sorted.
func (r *Registry) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Drain closes every registered session and waits until the registry is
// empty or ctx ends. Sessions deregister themselves when closed.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	var all []Entry
	for _, set := range r.entries {
		for _, e := range set {
			all = append(all, e)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			_ = e.Close()
		}(e)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
