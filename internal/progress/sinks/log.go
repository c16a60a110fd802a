package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/galleryspider/internal/progress"
)

// LogSink writes one structured log line per event. Failures and bandwidth
// limits log at warn level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StagePageFailed, progress.StageBandwidth:
			level = zapcore.WarnLevel
		case progress.StagePageDone:
			level = zapcore.DebugLevel
		}
		ce := s.logger.Check(level, "gallery event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("stage", string(evt.Stage)),
			zap.Int64("gid", evt.GalleryID),
			zap.Stringer("session", evt.Session),
			zap.Int("page", evt.Page),
			zap.Int("pages", evt.Pages),
			zap.Int("finished", evt.Finished),
			zap.Int("downloaded", evt.Downloaded),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
