package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/progress"
)

// LogSink writes progress events as structured log entries. Routine
// per-question events go out at debug level so a production logger keeps
// only run milestones, warnings and errors.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		lvl := logLevel(evt)
		ce := s.logger.Check(lvl, string(evt.Stage))
		if ce == nil {
			continue
		}
		fields := make([]zap.Field, 0, 5)
		fields = append(fields,
			zap.Stringer("run_id", evt.RunUUID()),
			zap.Object("metrics", metricsFields(evt.Metrics)),
		)
		if evt.Message != "" {
			fields = append(fields, zap.String("detail", evt.Message))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("took", evt.Dur))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func logLevel(evt progress.Event) zapcore.Level {
	switch evt.Level {
	case progress.LevelWarning:
		return zapcore.WarnLevel
	case progress.LevelError:
		return zapcore.ErrorLevel
	}
	switch evt.Stage {
	case progress.StageQuestionFound, progress.StageQuestionImported:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

type metricsFields importer.Metrics

func (m metricsFields) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("found", m.Found)
	enc.AddInt64("imported", m.Imported)
	enc.AddInt64("skipped", m.Skipped)
	enc.AddInt64("reward_points", m.RewardPoints)
	return nil
}
