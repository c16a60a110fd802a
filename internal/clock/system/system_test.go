package system

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/progress"
)

var _ progress.Clock = (*Clock)(nil)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestClockStampsListenerEvents(t *testing.T) {
	t.Parallel()

	var got []progress.Event
	emitter := emitFunc(func(evt progress.Event) { got = append(got, evt) })
	l := progress.NewListener(emitter, galleryRef(), sessionID(), New())
	l.OnPageCount(4)

	if len(got) != 1 {
		t.Fatalf("expected one event, got %d", len(got))
	}
	if got[0].TS.IsZero() || got[0].TS.Location() != time.UTC {
		t.Fatalf("expected a UTC timestamp, got %v", got[0].TS)
	}
}

type emitFunc func(progress.Event)

func (f emitFunc) Emit(evt progress.Event) { f(evt) }

func galleryRef() gallery.Ref { return gallery.Ref{ID: 7, Token: "0123456789"} }

func sessionID() uuid.UUID { return uuid.Must(uuid.NewV7()) }
