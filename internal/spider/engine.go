package spider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/gallery"
)

// Engine downloads one gallery. Engines are created and stopped by a Registry.
type Engine struct {
	ref       gallery.Ref
	session   uuid.UUID
	cfg       Config
	deps      Deps
	store     ContentStore
	logger    *zap.Logger
	observers observers

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}

	// legacySlot admits one markup fetch that may refresh the show key.
	legacySlot chan struct{}

	// Holder counts; written under the registry lock.
	readRefs     atomic.Int32
	downloadRefs atomic.Int32

	pageCount atomic.Int64

	// tokenMu guards meta, pendingTokens and metaErr.
	tokenMu        sync.Mutex
	tokenRequested *sync.Cond
	tokenResolved  *sync.Cond
	meta           *gallery.Metadata
	pendingTokens  []int
	metaErr        error

	stateMu    sync.Mutex
	states     []PageState
	pageErrs   map[int]error
	percents   map[int]float64
	finished   int
	downloaded int

	queueMu      sync.Mutex
	forceQueue   []int
	directQueue  []int
	preloadQueue []int
	cursor       int

	workerMu      sync.Mutex
	workers       int
	poolClosed    bool
	drainReported bool
	workerWG      sync.WaitGroup

	decodeMu    sync.Mutex
	decodeCond  *sync.Cond
	decodeQueue []int
	decoding    []int
	decodeWG    sync.WaitGroup
}

func newEngine(ref gallery.Ref, store ContentStore, deps Deps, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	session, err := uuid.NewV7()
	if err != nil {
		session = uuid.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ref:     ref,
		session: session,
		cfg:     cfg.normalized(),
		deps:    deps,
		store:   store,
		logger: logger.Named("spider").With(
			zap.Int64("gid", ref.ID),
			zap.String("session", session.String()),
		),
		ctx:      ctx,
		cancel:   cancel,
		done:       make(chan struct{}),
		legacySlot: make(chan struct{}, 1),
		pageErrs:   make(map[int]error),
		percents: make(map[int]float64),
		cursor:   -1,
	}
	e.tokenRequested = sync.NewCond(&e.tokenMu)
	e.tokenResolved = sync.NewCond(&e.tokenMu)
	e.decodeCond = sync.NewCond(&e.decodeMu)
	if deps.Observe != nil {
		e.observers.add(deps.Observe(ref, session))
	}
	return e
}

// Ref returns the gallery the engine downloads.
func (e *Engine) Ref() gallery.Ref { return e.ref }

// Session identifies this engine instance in logs and events.
func (e *Engine) Session() uuid.UUID { return e.session }

// Done is closed once the engine has stopped and persisted its metadata, or
// gave up because the metadata could not be resolved.
func (e *Engine) Done() <-chan struct{} { return e.done }

// AddListener registers l for notifications.
func (e *Engine) AddListener(l Listener) { e.observers.add(l) }

// RemoveListener unregisters l.
func (e *Engine) RemoveListener(l Listener) { e.observers.remove(l) }

// Size returns the page count. It returns ErrMetadataPending while the count
// is unknown and ErrMetadataUnavailable once resolution failed.
func (e *Engine) Size() (int, error) {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	switch {
	case e.metaErr != nil:
		return 0, e.metaErr
	case e.stopped.Load():
		return 0, ErrStopped
	case e.meta == nil:
		return 0, ErrMetadataPending
	}
	return e.meta.PageCount, nil
}

// Err returns the metadata resolution failure, if any.
func (e *Engine) Err() error {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	return e.metaErr
}

// StartPage returns the persisted reading position.
func (e *Engine) StartPage() int {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	if e.meta == nil {
		return 0
	}
	return e.meta.StartPage
}

// SetStartPage records the reading position; it is persisted on stop.
func (e *Engine) SetStartPage(page int) {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	if e.meta != nil && page >= 0 {
		e.meta.StartPage = page
	}
}

// Extension returns the stored file extension of index.
func (e *Engine) Extension(index int) (string, bool) {
	return e.store.Extension(e.ctx, index)
}

// Export copies the stored bytes of index into dir as filename plus the
// inferred extension and returns the written path.
func (e *Engine) Export(ctx context.Context, index int, dir, filename string) (string, error) {
	if !e.store.Contains(ctx, index) {
		return "", fmt.Errorf("export page %d: %w", index, ErrNotFinished)
	}
	path, err := e.store.Export(ctx, index, dir, filename)
	if err != nil {
		return "", fmt.Errorf("export page %d: %w", index, err)
	}
	return path, nil
}

// Snapshot is a consistent view of the engine counters.
type Snapshot struct {
	Ref          gallery.Ref
	Session      uuid.UUID
	PageCount    int
	Finished     int
	Downloaded   int
	Downloading  int
	Failed       map[int]string
	ReadRefs     int
	DownloadRefs int
	Stopped      bool
	Err          error
}

// Snapshot captures the current counters and per-page failures.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Ref:          e.ref,
		Session:      e.session,
		ReadRefs:     int(e.readRefs.Load()),
		DownloadRefs: int(e.downloadRefs.Load()),
		Stopped:      e.stopped.Load(),
		Err:          e.Err(),
		Failed:       make(map[int]string),
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	s.PageCount = len(e.states)
	s.Finished = e.finished
	s.Downloaded = e.downloaded
	for _, st := range e.states {
		if st == StateDownloading {
			s.Downloading++
		}
	}
	for idx, err := range e.pageErrs {
		s.Failed[idx] = err.Error()
	}
	return s
}

func (e *Engine) start() {
	go e.run()
}

// run is the coordinator goroutine: it resolves metadata, arms the pools,
// serves token requests until stop, then unwinds.
func (e *Engine) run() {
	defer close(e.done)

	meta, err := e.loadMetadata(e.ctx)
	if err != nil {
		if !e.stopped.Load() {
			e.logger.Warn("gallery metadata unavailable", zap.Error(err))
			e.tokenMu.Lock()
			e.metaErr = fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
			e.tokenMu.Unlock()
		}
		e.shutdownPool()
		return
	}

	e.installMetadata(meta)
	e.logger.Info("gallery metadata ready",
		zap.Int("pages", meta.PageCount),
		zap.Int("preview_pages", meta.PreviewPageCount),
		zap.Int("preview_per_page", meta.PreviewPerPage),
	)
	e.observers.pageCount(meta.PageCount)
	e.startDecoders()
	e.ensureWorkers()

	e.serveTokens()

	e.shutdownPool()
	e.decodeWG.Wait()
	e.persistMetadata()
	e.logger.Debug("engine stopped")
}

func (e *Engine) installMetadata(meta *gallery.Metadata) {
	e.tokenMu.Lock()
	e.meta = meta
	e.tokenMu.Unlock()

	e.stateMu.Lock()
	e.states = make([]PageState, meta.PageCount)
	e.stateMu.Unlock()
	e.pageCount.Store(int64(meta.PageCount))
}

// loadMetadata resolves the record from the content store, then the process
// cache, then the detail page.
func (e *Engine) loadMetadata(ctx context.Context) (*gallery.Metadata, error) {
	if data, err := e.store.ReadMetadata(ctx); err == nil {
		m, decodeErr := gallery.Decode(data)
		if decodeErr == nil && m.Matches(e.ref) && m.PageCount > 0 {
			e.logger.Debug("metadata loaded from store")
			return m, nil
		}
		if decodeErr != nil {
			e.logger.Debug("ignoring stored metadata", zap.Error(decodeErr))
		}
	}
	if e.deps.Cache != nil {
		if m, ok := e.deps.Cache.Get(e.ref.ID); ok && m.Matches(e.ref) && m.PageCount > 0 {
			e.logger.Debug("metadata loaded from cache")
			return m, nil
		}
	}

	markup, err := e.deps.Transport.Get(ctx, e.deps.Site.DetailURL(e.ref, 0), e.deps.Site.Referer())
	if err != nil {
		return nil, fmt.Errorf("fetch gallery detail: %w", err)
	}
	detail, err := e.deps.Parser.ParseDetail(markup)
	if err != nil {
		return nil, fmt.Errorf("parse gallery detail: %w", err)
	}
	if detail.PageCount <= 0 {
		return nil, errors.New("gallery has no pages")
	}
	m := gallery.NewMetadata(e.ref, detail.PageCount)
	mergePreview(m, detail.Preview, 0)
	return m, nil
}

func (e *Engine) persistMetadata() {
	e.tokenMu.Lock()
	if e.meta == nil {
		e.tokenMu.Unlock()
		return
	}
	snapshot := e.meta.Clone()
	e.tokenMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.WriteMetadata(ctx, gallery.Encode(snapshot)); err != nil {
		e.logger.Warn("persist gallery metadata failed", zap.Error(err))
	}
	if e.deps.Cache != nil {
		e.deps.Cache.Put(snapshot)
	}
}

// stop sets the terminal flag and wakes every blocked wait. The coordinator
// finishes the shutdown.
func (e *Engine) stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.cancel()

	e.tokenMu.Lock()
	e.tokenRequested.Broadcast()
	e.tokenResolved.Broadcast()
	e.tokenMu.Unlock()

	e.decodeMu.Lock()
	e.decodeCond.Broadcast()
	e.decodeMu.Unlock()
}

// applyDownloadMode reconciles the bulk cursor with the download holder count.
func (e *Engine) applyDownloadMode(download bool) {
	e.store.SetMode(download)
	e.queueMu.Lock()
	if download {
		e.cursor = 0
	} else {
		e.cursor = -1
	}
	e.queueMu.Unlock()
	if download {
		e.resetForDownload()
		e.ensureWorkers()
	}
}
