package spider

import (
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/gallery"
)

// waitToken blocks until the coordinator has resolved index, or the engine
// stops. A cached token costs no network traffic.
func (e *Engine) waitToken(index int) (gallery.Token, error) {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	for {
		if e.stopped.Load() {
			return gallery.Token{}, ErrInterrupted
		}
		if tok, ok := e.meta.Tokens[index]; ok {
			return tok, nil
		}
		if !slices.Contains(e.pendingTokens, index) {
			e.pendingTokens = append(e.pendingTokens, index)
			e.tokenRequested.Signal()
		}
		e.tokenResolved.Wait()
	}
}

// clearTokenFailure lets a forced retry resolve index again.
func (e *Engine) clearTokenFailure(index int) {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	e.meta.ClearFailure(index)
}

// serveTokens is the coordinator loop. After each resolution pass it
// broadcasts so every waiting worker rechecks its own index.
func (e *Engine) serveTokens() {
	for {
		e.tokenMu.Lock()
		for len(e.pendingTokens) == 0 && !e.stopped.Load() {
			e.tokenRequested.Wait()
		}
		if e.stopped.Load() {
			e.tokenMu.Unlock()
			return
		}
		index := e.pendingTokens[0]
		e.pendingTokens = e.pendingTokens[1:]
		_, known := e.meta.Tokens[index]
		e.tokenMu.Unlock()

		if !known {
			e.resolveToken(index)
		}

		e.tokenMu.Lock()
		e.tokenResolved.Broadcast()
		e.tokenMu.Unlock()
	}
}

// resolveToken tries the preview batch twice, since the batch size may have
// changed since the metadata was recorded, then the multi-page listing, and
// finally records the permanent failure marker.
func (e *Engine) resolveToken(index int) {
	found := e.tokenFromPreview(index) ||
		e.tokenFromPreview(index) ||
		e.tokenFromListing(index)
	if found || e.stopped.Load() {
		return
	}
	e.logger.Warn("page token unresolvable", zap.Int("index", index))
	e.tokenMu.Lock()
	if _, ok := e.meta.Tokens[index]; !ok {
		e.meta.Tokens[index] = gallery.PermanentFailure
	}
	e.tokenMu.Unlock()
}

func (e *Engine) tokenFromPreview(index int) bool {
	if e.stopped.Load() {
		return false
	}
	e.tokenMu.Lock()
	previewIndex := e.meta.PreviewIndex(index)
	e.tokenMu.Unlock()

	url := e.deps.Site.DetailURL(e.ref, previewIndex)
	markup, err := e.deps.Transport.Get(e.ctx, url, e.deps.Site.Referer())
	if err != nil {
		e.logger.Debug("preview fetch failed", zap.Int("index", index), zap.Int("preview_index", previewIndex), zap.Error(err))
		return false
	}
	batch, err := e.deps.Parser.ParsePreviewBatch(markup)
	if err != nil {
		e.logger.Debug("preview parse failed", zap.Int("preview_index", previewIndex), zap.Error(err))
		return false
	}

	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	mergePreview(e.meta, batch, previewIndex)
	return resolved(e.meta, index)
}

func (e *Engine) tokenFromListing(index int) bool {
	if e.stopped.Load() {
		return false
	}
	markup, err := e.deps.Transport.Get(e.ctx, e.deps.Site.MultiPageViewerURL(e.ref), e.deps.Site.Referer())
	if err != nil {
		e.logger.Debug("token listing fetch failed", zap.Error(err))
		return false
	}
	list, err := e.deps.Parser.ParseTokenList(markup)
	if err != nil {
		e.logger.Debug("token listing parse failed", zap.Error(err))
		return false
	}
	tokens := make(map[int]string, len(list))
	for i, tok := range list {
		tokens[i] = tok
	}

	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	e.meta.MergeTokens(tokens)
	return resolved(e.meta, index)
}

// mergePreview folds a preview batch into m. The per-batch size is taken from
// the batch length for the first batch, and otherwise estimated from the
// position of the first entry.
func mergePreview(m *gallery.Metadata, batch gallery.PreviewBatch, previewIndex int) {
	if batch.PreviewPages > 0 {
		m.PreviewPageCount = batch.PreviewPages
	}
	if len(batch.Entries) > 0 {
		if previewIndex == 0 {
			m.PreviewPerPage = len(batch.Entries)
		} else {
			m.PreviewPerPage = batch.Entries[0].Position / previewIndex
		}
	}
	m.MergeTokens(batch.Tokens())
}

func resolved(m *gallery.Metadata, index int) bool {
	tok, ok := m.Tokens[index]
	return ok && !tok.Failed()
}
