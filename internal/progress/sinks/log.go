package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/progress"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event. Task events go to debug level, job events to info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("saved", evt.Saved),
			zap.Int("attempted", evt.Attempted),
		}
		switch evt.Stage {
		case progress.StageTaskDone, progress.StageTaskRequeued:
			fields = append(fields,
				zap.String("source", evt.Source),
				zap.String("url", evt.URL),
				zap.String("outcome", evt.Outcome),
				zap.Int("attempt", evt.Attempt),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Debug("task progress", fields...)
		default:
			if evt.Target > 0 {
				fields = append(fields, zap.Int("target", evt.Target))
			}
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Info("job progress", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
