package spider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/transport"
)

// processPage runs one worker iteration for index.
func (e *Engine) processPage(index int, force bool) {
	if !e.beginDownload(index, force) {
		return
	}
	if !force && e.store.Contains(e.ctx, index) {
		e.updatePageState(index, StateFinished, nil)
		return
	}
	if force {
		e.clearTokenFailure(index)
	}

	tok, err := e.waitToken(index)
	if err != nil {
		e.abandonPage(index)
		return
	}
	pageToken, ok := tok.Value()
	if !ok {
		e.updatePageState(index, StateFailed, ErrTokenUnresolvable)
		return
	}

	previousToken := ""
	if index > 0 {
		prev, err := e.waitToken(index - 1)
		if err != nil {
			e.abandonPage(index)
			return
		}
		previousToken, _ = prev.Value()
	}

	e.downloadPage(index, pageToken, previousToken)
}

// abandonPage unwinds a page interrupted by shutdown without marking it failed.
func (e *Engine) abandonPage(index int) {
	e.clearPercent(index)
}

type imageSource struct {
	skipKey   string
	seenKeys  []string
	originURL string
	pageURL   string
	forceHTML bool
	leaked    bool
}

// downloadPage resolves the image URL and transfers the bytes, retrying once
// through the page markup when the cached show key or the transfer fails.
func (e *Engine) downloadPage(index int, pageToken, previousToken string) {
	src := imageSource{}
	var cause error

	for attempt := 0; attempt < maxDownloadAttempts; attempt++ {
		imageURL, showKey, err := e.legacyImage(index, pageToken, &src)
		if errors.Is(err, errLeakedSkipKey) {
			break
		}
		if err != nil {
			e.notifyBandwidth(index, err)
			cause = err
			break
		}

		if imageURL == "" {
			if showKey == "" {
				cause = ErrShowKeyUnavailable
				break
			}
			res, err := e.fetchFromAPI(index, pageToken, showKey, previousToken)
			if errors.Is(err, ErrShowKeyMismatch) {
				e.deps.ShowKeys.CompareAndClear(showKey)
				cause = err
				continue
			}
			if err != nil {
				e.notifyBandwidth(index, err)
				cause = err
				break
			}
			imageURL = res.ImageURL
			src.skipKey = res.SkipKey
			src.originURL = res.OriginURL
			if e.stopped.Load() {
				cause = ErrInterrupted
				break
			}
		}

		target, referer := imageURL, ""
		if e.cfg.DownloadOrigin && src.originURL != "" {
			target = src.originURL
			referer = e.deps.Site.PageURL(e.ref.ID, index, pageToken)
		}
		if target == "" {
			cause = ErrImageURLUnavailable
			break
		}

		complete, err := e.store.StreamSave(e.ctx, index, target, referer, e.progressFunc(index))
		if e.stopped.Load() {
			cause = ErrInterrupted
			break
		}
		if err != nil {
			e.logger.Debug("page transfer failed", zap.Int("index", index), zap.Error(err))
			cause = fmt.Errorf("socket error: %w", err)
			src.forceHTML = true
			continue
		}
		if !complete {
			cause = ErrIncompleteTransfer
			src.forceHTML = true
			continue
		}
		if e.store.IsPlainText(e.ctx, index) {
			cause = ErrPlainTextContent
			src.forceHTML = true
			continue
		}

		e.updatePageState(index, StateFinished, nil)
		e.pause()
		return
	}

	if err := e.store.Remove(context.WithoutCancel(e.ctx), index); err != nil {
		e.logger.Debug("remove partial page failed", zap.Int("index", index), zap.Error(err))
	}
	if e.stopped.Load() || errors.Is(cause, ErrInterrupted) {
		e.abandonPage(index)
		return
	}
	e.logger.Info("page failed", zap.Int("index", index), zap.Error(cause))
	e.updatePageState(index, StateFailed, cause)
}

var errLeakedSkipKey = errors.New("skip key leaked")

// legacyImage fetches the page markup when no show key is cached or the
// previous attempt asked for it. It returns the image URL scraped from the
// markup (empty when the markup was not fetched) and the show key to use.
func (e *Engine) legacyImage(index int, pageToken string, src *imageSource) (string, string, error) {
	select {
	case e.legacySlot <- struct{}{}:
	case <-e.ctx.Done():
		return "", "", ErrInterrupted
	}
	defer func() { <-e.legacySlot }()

	keys := e.deps.ShowKeys
	showKey := keys.Get()
	if showKey != "" && !src.forceHTML {
		return "", showKey, nil
	}
	if src.leaked {
		return "", "", errLeakedSkipKey
	}

	base := src.pageURL
	if base == "" {
		base = e.deps.Site.PageURL(e.ref.ID, index, pageToken)
	}
	src.pageURL = gallery.WithSkipKey(base, src.skipKey)

	res, err := e.fetchFromMarkup(index, src.pageURL)
	if err != nil {
		return "", "", err
	}
	src.skipKey = res.SkipKey
	src.originURL = res.OriginURL
	if src.skipKey == "" || slices.Contains(src.seenKeys, src.skipKey) {
		src.leaked = true
	} else {
		src.seenKeys = append(src.seenKeys, src.skipKey)
	}
	keys.Set(res.ShowKey)

	if e.stopped.Load() {
		return "", "", ErrInterrupted
	}
	return res.ImageURL, res.ShowKey, nil
}

func (e *Engine) fetchFromMarkup(index int, pageURL string) (gallery.PageImage, error) {
	markup, err := e.deps.Transport.Get(e.ctx, pageURL, e.deps.Site.Referer())
	if err != nil {
		return gallery.PageImage{}, fmt.Errorf("fetch page markup: %w", err)
	}
	res, err := e.deps.Parser.ParsePage(markup)
	if err != nil {
		return gallery.PageImage{}, fmt.Errorf("parse page markup: %w", err)
	}
	if isBandwidthLimited(res.ImageURL) {
		return gallery.PageImage{}, ErrBandwidthLimited
	}
	return res, nil
}

type showPageRequest struct {
	Method  string `json:"method"`
	GID     int64  `json:"gid"`
	Page    int    `json:"page"`
	ImgKey  string `json:"imgkey"`
	ShowKey string `json:"showkey"`
}

func (e *Engine) fetchFromAPI(index int, pageToken, showKey, previousToken string) (gallery.PageImage, error) {
	referer := ""
	if index > 0 && previousToken != "" {
		referer = e.deps.Site.PageURL(e.ref.ID, index-1, previousToken)
	}
	body, err := e.deps.Transport.PostJSON(e.ctx, e.deps.Site.APIURL, referer, showPageRequest{
		Method:  "showpage",
		GID:     e.ref.ID,
		Page:    index + 1,
		ImgKey:  pageToken,
		ShowKey: showKey,
	})
	if err != nil {
		return gallery.PageImage{}, fmt.Errorf("fetch show page: %w", err)
	}
	res, err := e.deps.Parser.ParseShowPage(body)
	if err != nil {
		return gallery.PageImage{}, err
	}
	if isBandwidthLimited(res.ImageURL) {
		return gallery.PageImage{}, ErrBandwidthLimited
	}
	return res, nil
}

// notifyBandwidth reports a bandwidth-limited page. Callers hold no lock.
func (e *Engine) notifyBandwidth(index int, err error) {
	if errors.Is(err, ErrBandwidthLimited) {
		e.observers.bandwidthLimited(index)
	}
}

func (e *Engine) progressFunc(index int) transport.ProgressFunc {
	return func(total, received, delta int64) error {
		if e.stopped.Load() {
			return ErrInterrupted
		}
		pct := -1.0
		if total > 0 {
			pct = float64(received) / float64(total)
		}
		e.setPercent(index, pct)
		e.observers.progress(index, total, received, delta)
		return nil
	}
}

// pause sleeps the configured inter-download delay; stop cuts it short.
func (e *Engine) pause() {
	if e.cfg.DownloadDelay <= 0 {
		return
	}
	timer := time.NewTimer(e.cfg.DownloadDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.ctx.Done():
	}
}

func isBandwidthLimited(imageURL string) bool {
	return strings.HasSuffix(imageURL, "/509.gif") || strings.HasSuffix(imageURL, "/509s.gif")
}
