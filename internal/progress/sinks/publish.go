package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/progress"
)

// Publisher delivers a JSON payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// GalleryDrained is published each time a session's worker pool drains.
type GalleryDrained struct {
	GalleryID    int64     `json:"gallery_id"`
	GalleryToken string    `json:"gallery_token"`
	Session      string    `json:"session"`
	Pages        int       `json:"pages"`
	Finished     int       `json:"finished"`
	Downloaded   int       `json:"downloaded"`
	Failed       int       `json:"failed"`
	Complete     bool      `json:"complete"`
	DrainedAt    time.Time `json:"drained_at"`
}

// PublishSink announces drained sessions on a topic.
type PublishSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink builds a sink that publishes to topic.
func NewPublishSink(publisher Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one message per DRAINED event.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage != progress.StageDrained {
			continue
		}
		msg := GalleryDrained{
			GalleryID:    evt.GalleryID,
			GalleryToken: evt.GalleryToken,
			Session:      evt.Session.String(),
			Pages:        evt.Pages,
			Finished:     evt.Finished,
			Downloaded:   evt.Downloaded,
			Failed:       evt.Failed(),
			Complete:     evt.Pages > 0 && evt.Finished == evt.Pages,
			DrainedAt:    evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish drained gallery %d: %w", evt.GalleryID, err)
		}
		s.logger.Debug("published drained gallery", zap.Int64("gid", evt.GalleryID), zap.String("message_id", id))
	}
	return nil
}

// Close implements progress.Sink.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
