package spider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/metrics"
)

// Registry owns at most one Engine per gallery id and reference-counts its
// read and download holders.
type Registry struct {
	mu      sync.Mutex
	engines map[int64]*Engine
	deps    Deps
	cfg     Config
	logger  *zap.Logger
}

// NewRegistry validates deps and returns an empty registry.
func NewRegistry(deps Deps, cfg Config, logger *zap.Logger) (*Registry, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.ShowKeys == nil {
		deps.ShowKeys = &ShowKeyCache{}
	}
	if deps.Cache == nil {
		deps.Cache = gallery.NewCache(0)
	}
	return &Registry{
		engines: make(map[int64]*Engine),
		deps:    deps,
		cfg:     cfg.normalized(),
		logger:  logger,
	}, nil
}

// Acquire returns the engine for ref, creating and starting it on first use,
// and adds one holder of the given mode. Only one download holder may exist.
// The content store is opened without holding the registry lock.
func (r *Registry) Acquire(ctx context.Context, ref gallery.Ref, mode Mode) (*Engine, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("acquire gallery: %w", err)
	}
	r.mu.Lock()
	if e, ok := r.engines[ref.ID]; ok {
		defer r.mu.Unlock()
		if err := r.attachLocked(e, mode); err != nil {
			return nil, err
		}
		return e, nil
	}
	r.mu.Unlock()

	store, err := r.deps.Stores(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("open content store for %d: %w", ref.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[ref.ID]
	if !ok {
		e = newEngine(ref, store, r.deps, r.cfg, r.logger)
		r.engines[ref.ID] = e
		metrics.SetEngines(len(r.engines))
		e.start()
		r.logger.Info("engine started", zap.Int64("gid", ref.ID), zap.String("session", e.session.String()))
	}
	if err := r.attachLocked(e, mode); err != nil {
		return nil, err
	}
	return e, nil
}

// attachLocked adds one holder of mode to e.
func (r *Registry) attachLocked(e *Engine, mode Mode) error {
	switch mode {
	case ModeDownload:
		if e.downloadRefs.Load() >= 1 {
			return fmt.Errorf("acquire gallery %d: %w", e.ref.ID, ErrDownloadModeHeld)
		}
		e.downloadRefs.Add(1)
		e.applyDownloadMode(true)
	default:
		e.readRefs.Add(1)
	}
	return nil
}

// Release drops one holder of the given mode. Releasing a mode with no
// holders returns ErrReferenceUnderflow and changes nothing. When the last
// holder leaves, the engine stops and is removed.
func (r *Registry) Release(e *Engine, mode Mode) error {
	if e == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	counter := &e.readRefs
	if mode == ModeDownload {
		counter = &e.downloadRefs
	}
	if counter.Load() <= 0 {
		return fmt.Errorf("release %s on gallery %d: %w", mode, e.ref.ID, ErrReferenceUnderflow)
	}
	counter.Add(-1)

	if mode == ModeDownload && e.downloadRefs.Load() == 0 {
		e.applyDownloadMode(false)
	}
	if e.readRefs.Load() == 0 && e.downloadRefs.Load() == 0 {
		if r.engines[e.ref.ID] == e {
			delete(r.engines, e.ref.ID)
			metrics.SetEngines(len(r.engines))
		}
		e.stop()
		r.logger.Info("engine released", zap.Int64("gid", e.ref.ID))
	}
	return nil
}

// Get returns the live engine for gid.
func (r *Registry) Get(gid int64) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[gid]
	return e, ok
}

// StartPage returns the reading position of gid from the live engine or the
// metadata cache.
func (r *Registry) StartPage(gid int64) int {
	if e, ok := r.Get(gid); ok {
		return e.StartPage()
	}
	if m, ok := r.deps.Cache.Get(gid); ok {
		return m.StartPage
	}
	return 0
}

// Len reports the number of live engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Shutdown stops every engine and waits until each has persisted its metadata.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for gid, e := range r.engines {
		engines = append(engines, e)
		delete(r.engines, gid)
		e.readRefs.Store(0)
		e.downloadRefs.Store(0)
		e.stop()
	}
	metrics.SetEngines(0)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			select {
			case <-e.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("wait for gallery %d: %w", e.ref.ID, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("shutdown registry: %w", err)
	}
	return nil
}
