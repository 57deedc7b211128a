package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	id     string
	taskID string
	reg    *Registry
	mu     sync.Mutex
	closes int
}

func (e *fakeEntry) ID() string { return e.id }

func (e *fakeEntry) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	e.reg.Deregister(e.taskID, e)
	return nil
}

func TestRegistryRegisterDeregister(t *testing.T) {
	t.Parallel()

	r := New()
	a := &fakeEntry{id: "a", taskID: "t1", reg: r}
	b := &fakeEntry{id: "b", taskID: "t1", reg: r}
	c := &fakeEntry{id: "c", taskID: "t2", reg: r}
	r.Register("t1", a)
	r.Register("t1", b)
	r.Register("t2", c)

	require.Equal(t, 2, r.Count("t1"))
	require.Equal(t, 3, r.Total())
	require.Equal(t, []string{"t1", "t2"}, r.Tasks())

	r.Deregister("t1", a)
	r.Deregister("t1", a)
	require.Equal(t, 1, r.Count("t1"))

	r.Deregister("t1", b)
	require.Equal(t, 0, r.Count("t1"))
	require.Equal(t, []string{"t2"}, r.Tasks())

	r.Deregister("missing", c)
	require.Equal(t, 1, r.Total())
}

func TestRegistryDrainClosesAll(t *testing.T) {
	t.Parallel()

	r := New()
	var entries []*fakeEntry
	for i := 0; i < 10; i++ {
		e := &fakeEntry{id: fmt.Sprintf("s%d", i), taskID: fmt.Sprintf("t%d", i%3), reg: r}
		entries = append(entries, e)
		r.Register(e.taskID, e)
	}

	require.NoError(t, r.Drain(context.Background()))
	require.Zero(t, r.Total())
	require.Empty(t, r.Tasks())
	for _, e := range entries {
		require.Equal(t, 1, e.closes)
	}
}

func TestRegistryConcurrentUse(t *testing.T) {
	t.Parallel()

	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := &fakeEntry{id: fmt.Sprintf("s%d", i), taskID: "shared", reg: r}
			r.Register("shared", e)
			_ = r.Count("shared")
			r.Deregister("shared", e)
		}(i)
	}
	wg.Wait()
	require.Zero(t, r.Count("shared"))
	require.Empty(t, r.Tasks())
}
