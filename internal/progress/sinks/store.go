package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/progress"
	"github.com/JakeFAU/galleryspider/internal/store"
)

// StoreSink persists sessions and page outcomes through a
// store.HistoryRepository. Page outcomes of one batch are written together,
// keeping only the latest outcome per page.
type StoreSink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.HistoryRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type pageKey struct {
	session uuid.UUID
	page    int
}

// Consume applies the batch in order: run starts first, then the collapsed
// page outcomes, then completions.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var (
		outcomes []store.PageOutcome
		index    = make(map[pageKey]int)
		drained  []progress.Event
	)
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			err := s.repo.UpsertRunStart(ctx, store.Run{
				Session:      evt.Session,
				GalleryID:    evt.GalleryID,
				GalleryToken: evt.GalleryToken,
				Pages:        evt.Pages,
				StartedAt:    evt.TS,
			})
			if err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StagePageDone, progress.StagePageFailed:
			o := outcomeOf(evt)
			key := pageKey{evt.Session, evt.Page}
			if i, ok := index[key]; ok {
				outcomes[i] = o
				continue
			}
			index[key] = len(outcomes)
			outcomes = append(outcomes, o)
		case progress.StageDrained:
			drained = append(drained, evt)
		}
	}

	if err := s.repo.RecordPages(ctx, outcomes); err != nil {
		return fmt.Errorf("record pages: %w", err)
	}
	for _, evt := range drained {
		if err := s.repo.CompleteRun(ctx, evt.Session, evt.TS, evt.Finished, evt.Downloaded); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func outcomeOf(evt progress.Event) store.PageOutcome {
	o := store.PageOutcome{
		Session: evt.Session,
		Page:    evt.Page,
		Status:  store.PageFinished,
		Bytes:   evt.Bytes,
		At:      evt.TS,
	}
	if evt.Stage == progress.StagePageFailed {
		o.Status = store.PageFailed
		note := evt.Note
		o.Error = &note
	}
	return o
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
