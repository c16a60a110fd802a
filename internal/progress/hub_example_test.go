package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/galleryspider/internal/gallery"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{
		Session:   uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		GalleryID: 42,
		TS:        time.Unix(0, 0),
		Stage:     StageSessionStart,
		Pages:     10,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleListener shows engine callbacks turning into events.
func ExampleListener() {
	var failed []string
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Second}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StagePageFailed {
				failed = append(failed, fmt.Sprintf("page %d: %s", evt.Page, evt.Note))
			}
		}
		return nil
	}))

	l := NewListener(hub, gallery.Ref{ID: 42, Token: "abcdef1234"}, uuid.MustParse("00000000-0000-0000-0000-000000000002"), nil)
	l.OnPageCount(3)
	l.OnPageDone(0, nil, 1, 1, 3)
	l.OnPageDone(1, errors.New("incomplete transfer"), 1, 2, 3)
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(failed)
	// Output:
	// [page 1: incomplete transfer]
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
