package spider

import (
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/transport"
)

// Mode is the kind of reference a holder takes on an engine.
type Mode int

// Supported holder modes.
const (
	ModeRead Mode = iota
	ModeDownload
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeDownload:
		return "download"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts "read" or "download" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read":
		return ModeRead, nil
	case "download":
		return ModeDownload, nil
	default:
		return ModeRead, fmt.Errorf("unknown mode %q", s)
	}
}

// Parser turns gallery markup into structured results.
type Parser interface {
	ParseDetail(markup string) (gallery.Detail, error)
	ParsePreviewBatch(markup string) (gallery.PreviewBatch, error)
	ParseTokenList(markup string) ([]string, error)
	ParsePage(markup string) (gallery.PageImage, error)
	// ParseShowPage parses the show-page API body. It returns
	// ErrShowKeyMismatch when the server rejected the show key.
	ParseShowPage(body []byte) (gallery.PageImage, error)
}

// Transport performs the blocking markup and API requests.
type Transport interface {
	Get(ctx context.Context, url, referer string) (string, error)
	PostJSON(ctx context.Context, url, referer string, payload any) ([]byte, error)
}

// ContentStore keeps the downloaded bytes and the metadata record of one
// gallery. Open returns an error wrapping fs.ErrNotExist when the page has no
// stored bytes.
type ContentStore interface {
	Contains(ctx context.Context, index int) bool
	Open(ctx context.Context, index int) (io.ReadCloser, error)
	IsPlainText(ctx context.Context, index int) bool
	Remove(ctx context.Context, index int) error
	StreamSave(ctx context.Context, index int, url, referer string, progress transport.ProgressFunc) (bool, error)
	Export(ctx context.Context, index int, dir, filename string) (string, error)
	Extension(ctx context.Context, index int) (string, bool)
	ReadMetadata(ctx context.Context) ([]byte, error)
	WriteMetadata(ctx context.Context, data []byte) error
	SetMode(download bool)
}

// StoreFactory opens the content store for a gallery.
type StoreFactory func(ctx context.Context, ref gallery.Ref) (ContentStore, error)

// Decoder turns stored bytes into an image.
type Decoder interface {
	Decode(r io.Reader) (image.Image, error)
}

// Listener receives engine notifications. Callbacks run on engine goroutines
// with no engine lock held and must not block for long.
type Listener interface {
	OnPageCount(pages int)
	OnBandwidthLimited(index int)
	// OnProgress reports transfer progress; total is -1 when unknown.
	OnProgress(index int, total, received, delta int64)
	// OnPageDone reports a page reaching FINISHED (err == nil) or FAILED.
	OnPageDone(index int, err error, finished, downloaded, total int)
	// OnAllDone reports the worker pool draining, with the counters at that
	// moment.
	OnAllDone(finished, downloaded, total int)
	OnImageReady(index int, img image.Image)
	OnImageFailed(index int, err error)
}

// ListenerFactory builds a listener for a newly created engine.
type ListenerFactory func(ref gallery.Ref, session uuid.UUID) Listener

// NopListener implements Listener with no-ops; embed it to override a subset.
type NopListener struct{}

// OnPageCount implements Listener.
func (NopListener) OnPageCount(int) {}

// OnBandwidthLimited implements Listener.
func (NopListener) OnBandwidthLimited(int) {}

// OnProgress implements Listener.
func (NopListener) OnProgress(int, int64, int64, int64) {}

// OnPageDone implements Listener.
func (NopListener) OnPageDone(int, error, int, int, int) {}

// OnAllDone implements Listener.
func (NopListener) OnAllDone(int, int, int) {}

// OnImageReady implements Listener.
func (NopListener) OnImageReady(int, image.Image) {}

// OnImageFailed implements Listener.
func (NopListener) OnImageFailed(int, error) {}
