package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/contact-harvester/internal/progress"
)

// LogSink writes batch milestones at Info and task milestones at Debug.
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
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageBatchStart, progress.StageBatchDone, progress.StageBatchStopped, progress.StageRotation:
			level = zapcore.InfoLevel
		case progress.StageBatchError, progress.StageTaskFailed:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("batch_id", evt.BatchID),
		}
		if evt.Partition != "" {
			fields = append(fields, zap.String("partition", evt.Partition))
		}
		if evt.TaskID != "" {
			fields = append(fields,
				zap.String("task_id", evt.TaskID),
				zap.String("url", evt.URL),
				zap.Int("attempts", evt.Attempts),
				zap.Int("emails", evt.Emails),
			)
		}
		if evt.Total > 0 {
			fields = append(fields, zap.Int("total", evt.Total))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Dropped > 0 {
			fields = append(fields, zap.Int("dropped_events", evt.Dropped))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
