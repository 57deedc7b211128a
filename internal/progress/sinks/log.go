package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/progress"
)

// LogSink emits one structured log line per task transition.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("kind", string(evt.Kind)),
			zap.String("stage", string(evt.Stage)),
			zap.Int("progress", evt.Progress),
			zap.Time("ts", evt.TS),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Kind == progress.KindFailure {
			s.logger.Warn("task transition failed", append(fields, zap.String("note", evt.Note))...)
			continue
		}
		s.logger.Info("task transition", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
