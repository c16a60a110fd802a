package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StagePageDone     Stage = "PAGE_DONE"
	StagePageFailed   Stage = "PAGE_FAILED"
	StageBandwidth    Stage = "BANDWIDTH_LIMITED"
	StageDrained      Stage = "DRAINED"
)

// Event captures one milestone of a gallery session.
type Event struct {
	// Session identifies the engine instance that emitted the event.
	Session      uuid.UUID
	GalleryID    int64
	GalleryToken string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Page is the 0 based page index for page-scoped stages.
	Page int
	// Pages is the gallery page count.
	Pages      int
	Finished   int
	Downloaded int
	// Bytes is the number of bytes transferred for the page.
	Bytes int64
	// Dur is the transfer time of a page or the session age on drain.
	Dur time.Duration
	// Note carries the failure text of PAGE_FAILED events.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Session == uuid.Nil {
		return errors.New("session id is required")
	}
	if e.GalleryID <= 0 {
		return errors.New("gallery id must be positive")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart:
		if e.Pages <= 0 {
			return errors.New("session start requires a page count")
		}
	case StagePageDone, StageBandwidth:
		if e.Page < 0 {
			return errors.New("page index must be >= 0")
		}
	case StagePageFailed:
		if e.Page < 0 {
			return errors.New("page index must be >= 0")
		}
		if e.Note == "" {
			return errors.New("page failure requires a note")
		}
	case StageDrained:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Finished > e.Downloaded || (e.Pages > 0 && e.Downloaded > e.Pages) {
		return fmt.Errorf("inconsistent counters %d/%d/%d", e.Finished, e.Downloaded, e.Pages)
	}
	return nil
}

// Failed is the number of pages that ended in failure at the time of the event.
func (e Event) Failed() int {
	return e.Downloaded - e.Finished
}
