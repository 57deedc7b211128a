package natskv

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskstream/internal/natsutil"
	"github.com/JakeFAU/taskstream/internal/task"
)

func newStore(t *testing.T) *RecordStore {
	t.Helper()

	ns, nc, err := natsutil.StartEmbedded(natsutil.EmbeddedOptions{StoreDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { natsutil.Shutdown(ns, nc) })

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := NewRecordStore(ctx, js, Config{Bucket: "records", TTL: time.Hour})
	require.NoError(t, err)
	return store
}

func TestRecordStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	ts := time.Unix(1700000000, 123456789).UTC()

	_, err := store.Get(ctx, "task-1")
	require.ErrorIs(t, err, task.ErrNotFound)

	require.NoError(t, store.Put(ctx, task.Record{TaskID: "task-1", Status: task.StatusPending, Timestamp: ts}))
	require.NoError(t, store.Put(ctx, task.Record{
		TaskID:    "task-1",
		Status:    task.StatusConcluding,
		Progress:  75,
		Timestamp: ts.Add(time.Millisecond),
	}))

	rec, err := store.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, task.Record{
		TaskID:    "task-1",
		Status:    task.StatusConcluding,
		Progress:  75,
		Timestamp: ts.Add(time.Millisecond),
	}, rec)
	require.NoError(t, store.Ping(ctx))
}

func TestRecordStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	err := store.Put(context.Background(), task.Record{TaskID: "a.b"})
	require.ErrorIs(t, err, task.ErrInvalidTaskID)

	_, err = store.Get(context.Background(), "a>b")
	require.ErrorIs(t, err, task.ErrNotFound)
}
