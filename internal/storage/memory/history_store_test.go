package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/galleryspider/internal/store"
)

func TestHistoryStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewHistoryStore()
	base := time.Unix(1700000000, 0).UTC()
	older := store.Run{Session: uuid.New(), GalleryID: 42, Pages: 3, StartedAt: base}
	newer := store.Run{Session: uuid.New(), GalleryID: 42, Pages: 3, StartedAt: base.Add(time.Hour)}
	other := store.Run{Session: uuid.New(), GalleryID: 7, Pages: 1, StartedAt: base}
	for _, r := range []store.Run{older, newer, other} {
		require.NoError(t, s.UpsertRunStart(ctx, r))
	}

	msg := "incomplete transfer"
	require.NoError(t, s.RecordPages(ctx, []store.PageOutcome{
		{Session: newer.Session, Page: 1, Status: store.PageFailed, Error: &msg},
		{Session: newer.Session, Page: 0, Status: store.PageFinished, Bytes: 10},
	}))
	require.NoError(t, s.RecordPages(ctx, []store.PageOutcome{
		{Session: newer.Session, Page: 1, Status: store.PageFinished, Bytes: 20},
	}))
	pages := s.Pages(newer.Session)
	require.Len(t, pages, 2)
	require.Equal(t, store.PageFinished, pages[1].Status)

	require.NoError(t, s.CompleteRun(ctx, newer.Session, base.Add(2*time.Hour), 3, 3))
	run, err := s.GetRun(ctx, newer.Session)
	require.NoError(t, err)
	require.Equal(t, store.RunDrained, run.Status)
	require.NotNil(t, run.FinishedAt)

	runs, err := s.ListRuns(ctx, 42, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, newer.Session, runs[0].Session)

	runs, err = s.ListRuns(ctx, 42, 1, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, older.Session, runs[0].Session)
	require.Equal(t, store.RunRunning, runs[0].Status)

	_, err = s.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.CompleteRun(ctx, uuid.New(), base, 0, 0), store.ErrNotFound)
}
