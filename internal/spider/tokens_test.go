package spider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/galleryspider/internal/gallery"
)

func TestUnresolvableTokenFailsPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.parser.details[testSite.DetailURL(testRef, 0)] = gallery.Detail{
		PageCount: 3,
		Preview:   batchFor(0, 2, 1),
	}
	h.parser.tokenLists[testSite.MultiPageViewerURL(testRef)] = []string{tokenFor(0), tokenFor(1)}

	e, err := h.registry.Acquire(context.Background(), testRef, ModeRead)
	require.NoError(t, err)
	require.Equal(t, 3, waitReady(t, e))

	e.Request(2, false)
	waitState(t, e, 2, StateFailed)

	require.ErrorIs(t, e.pageError(2), ErrTokenUnresolvable)
	// One detail fetch for the metadata plus two preview attempts.
	require.Equal(t, 3, h.transport.getCount(testSite.DetailURL(testRef, 0)))
	require.Equal(t, 1, h.transport.getCount(testSite.MultiPageViewerURL(testRef)))

	// The failure marker is remembered: a plain retry does not refetch.
	e.Request(2, false)
	waitState(t, e, 2, StateFailed)
	require.Equal(t, 3, h.transport.getCount(testSite.DetailURL(testRef, 0)))

	// A forced retry clears it and resolves again.
	e.ForceRequest(2)
	waitState(t, e, 2, StateFailed)
	require.Equal(t, 5, h.transport.getCount(testSite.DetailURL(testRef, 0)))
	require.Equal(t, 2, h.transport.getCount(testSite.MultiPageViewerURL(testRef)))
}

func TestTokenListingFillsGaps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.parser.details[testSite.DetailURL(testRef, 0)] = gallery.Detail{
		PageCount: 3,
		Preview:   batchFor(0, 1, 1),
	}
	h.parser.tokenLists[testSite.MultiPageViewerURL(testRef)] = []string{tokenFor(0), tokenFor(1), tokenFor(2)}

	e, err := h.registry.Acquire(context.Background(), testRef, ModeRead)
	require.NoError(t, err)
	waitReady(t, e)

	e.Request(2, false)
	waitState(t, e, 2, StateFinished)
	require.Equal(t, 1, h.transport.getCount(testSite.MultiPageViewerURL(testRef)))
}

func TestPreviewBatchFetchedOnceAcrossSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.withGallery(40, 20)
	batchURL := testSite.DetailURL(testRef, 1)

	e, err := h.registry.Acquire(context.Background(), testRef, ModeRead)
	require.NoError(t, err)
	require.Equal(t, 40, waitReady(t, e))

	e.Request(25, false)
	waitState(t, e, 25, StateFinished)
	require.Equal(t, 1, h.transport.getCount(batchURL))

	require.NoError(t, h.registry.Release(e, ModeRead))
	waitDone(t, e)

	again, err := h.registry.Acquire(context.Background(), testRef, ModeRead)
	require.NoError(t, err)
	require.NotSame(t, e, again)
	waitReady(t, again)

	again.Request(26, false)
	waitState(t, again, 26, StateFinished)
	require.Equal(t, 1, h.transport.getCount(batchURL))
	require.Equal(t, 1, h.transport.getCount(testSite.DetailURL(testRef, 0)))
}

func TestMergePreviewEstimatesBatchSize(t *testing.T) {
	t.Parallel()

	m := gallery.NewMetadata(testRef, 100)
	mergePreview(m, batchFor(0, 20, 5), 0)
	require.Equal(t, 20, m.PreviewPerPage)
	require.Equal(t, 5, m.PreviewPageCount)

	mergePreview(m, batchFor(60, 80, 5), 3)
	require.Equal(t, 20, m.PreviewPerPage)
	require.Len(t, m.Tokens, 40)

	// An empty batch keeps the previous estimate.
	mergePreview(m, gallery.PreviewBatch{}, 2)
	require.Equal(t, 20, m.PreviewPerPage)
	require.Equal(t, 5, m.PreviewPageCount)
}

func TestResolvedIgnoresFailureMarkers(t *testing.T) {
	t.Parallel()

	m := gallery.NewMetadata(testRef, 3)
	m.Tokens[0] = gallery.Resolved("aaaaaaaaaa")
	m.Tokens[1] = gallery.PermanentFailure

	require.True(t, resolved(m, 0))
	require.False(t, resolved(m, 1))
	require.False(t, resolved(m, 2))
}
