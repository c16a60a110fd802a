package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/galleryspider/internal/store"
)

// HistoryStore provides an in-memory store.HistoryRepository for development
// and tests.
type HistoryStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.Run
	pages map[uuid.UUID]map[int]store.PageOutcome
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore constructs an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		runs:  make(map[uuid.UUID]store.Run),
		pages: make(map[uuid.UUID]map[int]store.PageOutcome),
	}
}

// UpsertRunStart stores a running session or refreshes its page count.
func (s *HistoryStore) UpsertRunStart(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.Session]; ok {
		existing.Pages = run.Pages
		s.runs[run.Session] = existing
		return nil
	}
	run.Status = store.RunRunning
	run.FinishedAt = nil
	s.runs[run.Session] = run
	return nil
}

// RecordPages keeps the latest outcome per page.
func (s *HistoryStore) RecordPages(_ context.Context, outcomes []store.PageOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outcomes {
		pages := s.pages[o.Session]
		if pages == nil {
			pages = make(map[int]store.PageOutcome)
			s.pages[o.Session] = pages
		}
		pages[o.Page] = o
	}
	return nil
}

// CompleteRun marks the session drained.
func (s *HistoryStore) CompleteRun(
	_ context.Context,
	session uuid.UUID,
	finishedAt time.Time,
	finished, downloaded int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[session]
	if !ok {
		return fmt.Errorf("complete run %s: %w", session, store.ErrNotFound)
	}
	run.Status = store.RunDrained
	run.FinishedAt = &finishedAt
	run.Finished = finished
	run.Downloaded = downloaded
	s.runs[session] = run
	return nil
}

// GetRun returns one session.
func (s *HistoryStore) GetRun(_ context.Context, session uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[session]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns the sessions of a gallery, newest first.
func (s *HistoryStore) ListRuns(_ context.Context, galleryID int64, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	var runs []store.Run
	for _, run := range s.runs {
		if run.GalleryID == galleryID {
			runs = append(runs, run)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(runs, func(a, b store.Run) int { return b.StartedAt.Compare(a.StartedAt) })
	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[max(offset, 0):]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// Pages returns the recorded outcomes of a session ordered by page.
func (s *HistoryStore) Pages(session uuid.UUID) []store.PageOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.PageOutcome, 0, len(s.pages[session]))
	for _, o := range s.pages[session] {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b store.PageOutcome) int { return a.Page - b.Page })
	return out
}
