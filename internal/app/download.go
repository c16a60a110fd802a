package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/spider"
	"github.com/JakeFAU/galleryspider/internal/telemetry"
)

const drainPoll = time.Second

// DownloadResult summarises one finished download run.
type DownloadResult struct {
	Ref      gallery.Ref
	Pages    int
	Finished int
	Failed   map[int]string
	Exported []string
}

// ParseRef parses "gid:token" or "gid/token".
func ParseRef(s string) (gallery.Ref, error) {
	idPart, token, ok := strings.Cut(s, ":")
	if !ok {
		idPart, token, ok = strings.Cut(s, "/")
	}
	if !ok {
		return gallery.Ref{}, fmt.Errorf("gallery %q: want gid:token", s)
	}
	gid, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return gallery.Ref{}, fmt.Errorf("gallery %q: invalid gid: %w", s, err)
	}
	ref := gallery.Ref{ID: gid, Token: token}
	if err := ref.Validate(); err != nil {
		return gallery.Ref{}, fmt.Errorf("gallery %q: %w", s, err)
	}
	return ref, nil
}

type drainSignal struct {
	spider.NopListener
	ch chan struct{}
}

func (d *drainSignal) OnAllDone(int, int, int) {
	select {
	case d.ch <- struct{}{}:
	default:
	}
}

// Download holds ref in download mode until every page reached a terminal
// state, then exports the finished pages to exportDir/<gid> when exportDir is
// set.
func (a *App) Download(ctx context.Context, ref gallery.Ref, exportDir string) (DownloadResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "download gallery",
		trace.WithAttributes(attribute.Int64("gallery.id", ref.ID)))
	defer span.End()

	res, err := a.download(ctx, ref, exportDir)
	span.SetAttributes(
		attribute.Int("gallery.pages", res.Pages),
		attribute.Int("gallery.finished", res.Finished),
		attribute.Int("gallery.failed", len(res.Failed)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (a *App) download(ctx context.Context, ref gallery.Ref, exportDir string) (DownloadResult, error) {
	e, err := a.registry.Acquire(ctx, ref, spider.ModeDownload)
	if err != nil {
		return DownloadResult{}, err
	}
	defer func() {
		if err := a.registry.Release(e, spider.ModeDownload); err != nil {
			a.logger.Warn("release gallery failed", zap.Int64("gid", ref.ID), zap.Error(err))
		}
		// The last holder stops the engine; wait for its final drain report.
		if e.Snapshot().Stopped {
			select {
			case <-e.Done():
			case <-ctx.Done():
			}
		}
	}()

	signal := &drainSignal{ch: make(chan struct{}, 1)}
	e.AddListener(signal)
	defer e.RemoveListener(signal)

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	var snap spider.Snapshot
	for {
		snap = e.Snapshot()
		if snap.Err != nil {
			return DownloadResult{}, fmt.Errorf("download %s: %w", ref, snap.Err)
		}
		if snap.PageCount > 0 && snap.Downloaded == snap.PageCount {
			break
		}
		select {
		case <-ctx.Done():
			return DownloadResult{}, fmt.Errorf("download %s: %w", ref, ctx.Err())
		case <-e.Done():
			return DownloadResult{}, fmt.Errorf("download %s: %w", ref, spider.ErrStopped)
		case <-signal.ch:
		case <-ticker.C:
		}
	}

	res := DownloadResult{Ref: ref, Pages: snap.PageCount, Finished: snap.Finished, Failed: snap.Failed}
	a.logger.Info("gallery downloaded",
		zap.Int64("gid", ref.ID),
		zap.Int("pages", res.Pages),
		zap.Int("finished", res.Finished),
		zap.Int("failed", len(res.Failed)),
	)
	if exportDir == "" {
		return res, nil
	}

	dir := filepath.Join(exportDir, strconv.FormatInt(ref.ID, 10))
	var errs []error
	for index := range snap.PageCount {
		if _, failed := snap.Failed[index]; failed {
			continue
		}
		path, err := e.Export(ctx, index, dir, fmt.Sprintf("%04d", index+1))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.Exported = append(res.Exported, path)
	}
	return res, errors.Join(errs...)
}
