package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStagesProgression(t *testing.T) {
	t.Parallel()

	stages := Stages()
	require.Equal(t, []Status{StatusStarted, StatusProcessing, StatusConcluding, StatusCompleted}, stages)
	for i, s := range stages {
		require.Equal(t, (i+1)*ProgressPerStage, ProgressAt(i), s)
	}
	require.Equal(t, 100, ProgressAt(len(stages)-1))
	require.Equal(t, 100, ProgressAt(10))
	require.True(t, StatusCompleted.IsTerminal())
	require.False(t, StatusPending.IsTerminal())
}

func TestMessageFromRecord(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1700000000, 250_000_000).UTC()
	evt := Event{TaskID: "t1", Stage: StatusProcessing, Progress: 50, Timestamp: ts}
	msg := MessageFromRecord(evt.Record())
	require.Equal(t, "t1", msg.TaskID)
	require.Equal(t, "PROCESSING", msg.Status)
	require.Equal(t, 50, msg.Progress)
	require.InDelta(t, 1700000000.25, msg.Timestamp, 1e-6)
}

func TestValidateID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id      string
		wantErr bool
	}{
		{id: "0b8f7a4e-2f1c-4d3e-9a8b-1c2d3e4f5a6b"},
		{id: "task_1"},
		{id: "", wantErr: true},
		{id: "a.b", wantErr: true},
		{id: "a*", wantErr: true},
		{id: "a>", wantErr: true},
		{id: "a b", wantErr: true},
		{id: "a/b", wantErr: true},
		{id: strings.Repeat("x", 129), wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidTaskID, tt.id)
			continue
		}
		require.NoError(t, err, tt.id)
	}
}

func TestCompletionNoticeAttributes(t *testing.T) {
	t.Parallel()

	n := CompletionNotice{TaskID: "t1", Status: StatusCompleted, Progress: 100}
	require.Equal(t, map[string]string{"task_id": "t1", "status": "COMPLETED"}, n.Attributes())
}
