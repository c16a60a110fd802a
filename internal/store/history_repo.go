package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("history record not found")

// RunStatus mirrors the gallery_runs status column.
type RunStatus string

// Run statuses persisted in gallery_runs.status.
const (
	RunRunning RunStatus = "running"
	RunDrained RunStatus = "drained"
)

// PageStatus is the terminal outcome of one page download.
type PageStatus string

// Page outcomes persisted in gallery_pages.status.
const (
	PageFinished PageStatus = "finished"
	PageFailed   PageStatus = "failed"
)

// Run is one engine session over a gallery.
type Run struct {
	Session      uuid.UUID
	GalleryID    int64
	GalleryToken string
	Pages        int
	StartedAt    time.Time
	// FinishedAt is nil until the worker pool drained.
	FinishedAt *time.Time
	Status     RunStatus
	Finished   int
	Downloaded int
}

// PageOutcome is the latest result for one page of a run.
type PageOutcome struct {
	Session uuid.UUID
	Page    int
	Status  PageStatus
	Bytes   int64
	// Error holds the failure text for failed pages.
	Error *string
	At    time.Time
}

// HistoryRepository persists gallery sessions and their page outcomes.
type HistoryRepository interface {
	// UpsertRunStart records a session as running with its page count.
	UpsertRunStart(ctx context.Context, run Run) error
	// RecordPages upserts the latest outcome of each page.
	RecordPages(ctx context.Context, outcomes []PageOutcome) error
	// CompleteRun marks a session drained with its final counters.
	CompleteRun(ctx context.Context, session uuid.UUID, finishedAt time.Time, finished, downloaded int) error
	// GetRun loads one session or returns ErrNotFound.
	GetRun(ctx context.Context, session uuid.UUID) (Run, error)
	// ListRuns returns the sessions of a gallery, newest first.
	ListRuns(ctx context.Context, galleryID int64, limit, offset int) ([]Run, error)
}
