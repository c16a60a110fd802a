package progress

import (
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/spider"
)

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Listener adapts one engine session to the spider observer contract and
// emits progress events. Image decode notifications are not reported.
type Listener struct {
	emitter Emitter
	clock   Clock
	ref     gallery.Ref
	session uuid.UUID
	started time.Time

	mu        sync.Mutex
	pages     int
	bytes     map[int]int64
	firstByte map[int]time.Time
}

var _ spider.Listener = (*Listener)(nil)

// NewListener builds a listener for the session. A nil clock uses UTC wall time.
func NewListener(emitter Emitter, ref gallery.Ref, session uuid.UUID, clock Clock) *Listener {
	if clock == nil {
		clock = utcClock{}
	}
	return &Listener{
		emitter:   emitter,
		clock:     clock,
		ref:       ref,
		session:   session,
		started:   clock.Now(),
		bytes:     make(map[int]int64),
		firstByte: make(map[int]time.Time),
	}
}

// Observe returns a spider.ListenerFactory that attaches a Listener emitting
// to emitter to every new engine.
func Observe(emitter Emitter, clock Clock) spider.ListenerFactory {
	return func(ref gallery.Ref, session uuid.UUID) spider.Listener {
		return NewListener(emitter, ref, session, clock)
	}
}

func (l *Listener) event(stage Stage) Event {
	return Event{
		Session:      l.session,
		GalleryID:    l.ref.ID,
		GalleryToken: l.ref.Token,
		TS:           l.clock.Now(),
		Stage:        stage,
	}
}

// OnPageCount implements spider.Listener.
func (l *Listener) OnPageCount(pages int) {
	l.mu.Lock()
	l.pages = pages
	l.mu.Unlock()

	evt := l.event(StageSessionStart)
	evt.Pages = pages
	l.emitter.Emit(evt)
}

// OnBandwidthLimited implements spider.Listener.
func (l *Listener) OnBandwidthLimited(index int) {
	evt := l.event(StageBandwidth)
	evt.Page = index
	l.mu.Lock()
	evt.Pages = l.pages
	l.mu.Unlock()
	l.emitter.Emit(evt)
}

// OnProgress implements spider.Listener.
func (l *Listener) OnProgress(index int, _, _, delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.firstByte[index]; !ok {
		l.firstByte[index] = l.clock.Now()
	}
	l.bytes[index] += delta
}

// OnPageDone implements spider.Listener.
func (l *Listener) OnPageDone(index int, err error, finished, downloaded, total int) {
	stage := StagePageDone
	if err != nil {
		stage = StagePageFailed
	}
	evt := l.event(stage)
	evt.Page = index
	evt.Pages = total
	evt.Finished = finished
	evt.Downloaded = downloaded
	if err != nil {
		evt.Note = err.Error()
	}

	l.mu.Lock()
	evt.Bytes = l.bytes[index]
	if first, ok := l.firstByte[index]; ok {
		evt.Dur = max(evt.TS.Sub(first), 0)
	}
	delete(l.bytes, index)
	delete(l.firstByte, index)
	l.mu.Unlock()

	l.emitter.Emit(evt)
}

// OnAllDone implements spider.Listener.
func (l *Listener) OnAllDone(finished, downloaded, total int) {
	evt := l.event(StageDrained)
	evt.Finished = finished
	evt.Downloaded = downloaded
	evt.Pages = total
	if total == 0 {
		l.mu.Lock()
		evt.Pages = l.pages
		l.mu.Unlock()
	}
	evt.Dur = max(evt.TS.Sub(l.started), 0)
	l.emitter.Emit(evt)
}

// OnImageReady implements spider.Listener.
func (l *Listener) OnImageReady(int, image.Image) {}

// OnImageFailed implements spider.Listener.
func (l *Listener) OnImageFailed(int, error) {}
