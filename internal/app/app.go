// Package app builds and holds the long-lived services of galleryspider,
// acting as the dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/api"
	"github.com/JakeFAU/galleryspider/internal/clock/system"
	"github.com/JakeFAU/galleryspider/internal/config"
	"github.com/JakeFAU/galleryspider/internal/decode"
	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/logging"
	"github.com/JakeFAU/galleryspider/internal/parser"
	"github.com/JakeFAU/galleryspider/internal/progress"
	progresssinks "github.com/JakeFAU/galleryspider/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/galleryspider/internal/publisher/pubsub"
	"github.com/JakeFAU/galleryspider/internal/spider"
	"github.com/JakeFAU/galleryspider/internal/storage"
	gcsstorage "github.com/JakeFAU/galleryspider/internal/storage/gcs"
	localstorage "github.com/JakeFAU/galleryspider/internal/storage/local"
	memorystorage "github.com/JakeFAU/galleryspider/internal/storage/memory"
	pgstore "github.com/JakeFAU/galleryspider/internal/storage/postgres"
	"github.com/JakeFAU/galleryspider/internal/store"
	"github.com/JakeFAU/galleryspider/internal/telemetry"
	"github.com/JakeFAU/galleryspider/internal/transport"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry    *spider.Registry
	apiServer   *api.Server
	progressHub *progress.Hub
	history     store.HistoryRepository

	pgHistory    *pgstore.HistoryStore
	gcsClient    *gcs.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	tracer       *sdktrace.TracerProvider

	registerer prometheus.Registerer
}

// Option customises Build.
type Option func(*App)

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies. It fails fast when a
// configured backend cannot be reached; whatever was opened before the
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("history", cfg.History.Provider),
	)

	client := transport.New(transport.Config{
		UserAgent:         cfg.HTTP.UserAgent,
		Timeout:           cfg.HTTP.Timeout,
		MaxRetries:        cfg.HTTP.MaxRetries,
		Backoff:           cfg.HTTP.Backoff,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
	}, a.logger)

	stores, err := a.setupStorage(ctx, client)
	if err != nil {
		return nil, err
	}
	if err = a.setupHistory(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.setupProgress(); err != nil {
		return nil, err
	}

	deps := spider.Deps{
		Transport: client,
		Parser:    parser.New(),
		Stores:    stores,
		Decoder:   decode.New(cfg.Decode.MaxWidth, cfg.Decode.MaxHeight),
		Site:      gallery.NewSite(cfg.Site.BaseURL, cfg.Site.APIURL),
		Cache:     gallery.NewCache(cfg.Spider.MetadataCacheSize),
		Observe:   progress.Observe(a.progressHub, system.New()),
	}
	a.registry, err = spider.NewRegistry(deps, spider.Config{
		MaxWorkers:     cfg.Spider.MaxWorkers,
		Preload:        cfg.Spider.Preload,
		DownloadDelay:  cfg.Spider.DownloadDelay,
		Decoders:       cfg.Spider.Decoders,
		DownloadOrigin: cfg.Spider.DownloadOrigin,
	}, a.logger.Named("spider"))
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.registry, a.history, cfg, a.logger.Named("api"))
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Registry returns the engine registry.
func (a *App) Registry() *spider.Registry { return a.registry }

// History returns the history repository, or nil when disabled.
func (a *App) History() store.HistoryRepository { return a.history }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves the HTTP API until ctx is canceled, then shuts the server down.
// It does not close the app.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close stops every engine, flushes progress events and releases the
// backends, in that order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		if err := a.registry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.publisher != nil {
		a.publisher.Close()
		a.publisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.pgHistory != nil {
		a.pgHistory.Close()
		a.pgHistory = nil
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
}

func (a *App) setupStorage(ctx context.Context, downloader transport.Downloader) (spider.StoreFactory, error) {
	var primary func(gid int64) storage.Backend
	switch a.cfg.Storage.Provider {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx, a.cfg.Storage.GCS.Bucket)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		root, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCS.Bucket,
			Prefix: a.cfg.Storage.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		primary = func(gid int64) storage.Backend { return root.Gallery(gid) }
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case "local":
		root, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		primary = func(gid int64) storage.Backend { return root.Gallery(gid) }
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		root := memorystorage.NewRoot()
		primary = func(gid int64) storage.Backend { return root.Gallery(gid) }
		a.logger.Info("using in-memory storage backend")
	}

	var cache func(gid int64) storage.Backend
	if dir := a.cfg.Storage.CacheDir; dir != "" {
		root, err := localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return nil, fmt.Errorf("cache store init failed: %w", err)
		}
		cache = func(gid int64) storage.Backend { return root.Gallery(gid) }
		a.logger.Info("using read cache", zap.String("path", dir))
	}

	logger := a.logger
	return func(_ context.Context, ref gallery.Ref) (spider.ContentStore, error) {
		var c storage.Backend
		if cache != nil {
			c = cache(ref.ID)
		}
		return storage.NewStore(primary(ref.ID), c, downloader, logger.With(zap.Int64("gid", ref.ID)))
	}, nil
}

func (a *App) setupHistory(ctx context.Context) error {
	switch a.cfg.History.Provider {
	case "postgres":
		hs, err := pgstore.New(ctx, pgstore.Config{
			DSN:         a.cfg.History.DSN,
			TablePrefix: a.cfg.History.TablePrefix,
			MaxConns:    a.cfg.History.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("history store init failed: %w", err)
		}
		a.pgHistory = hs
		a.history = hs
		a.logger.Info("history store initialized", zap.String("table_prefix", a.cfg.History.TablePrefix))
	case "memory":
		a.history = memorystorage.NewHistoryStore()
		a.logger.Info("using in-memory history store")
	default:
		a.logger.Info("download history disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, drained galleries are not announced")
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress() error {
	sinks := []progress.Sink{progresssinks.NewLogSink(a.logger)}

	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinks = append(sinks, promSink)

	if a.history != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(a.history, a.logger.Named("progress_store")))
	}
	if a.publisher != nil {
		sinks = append(sinks, progresssinks.NewPublishSink(a.publisher, a.cfg.PubSub.TopicName, a.logger.Named("progress_publish")))
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger,
	}
	a.progressHub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}
