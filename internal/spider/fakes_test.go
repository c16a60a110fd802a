package spider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/transport"
)

const testBaseURL = "https://site.test"

var (
	testSite = gallery.NewSite(testBaseURL, "")
	testRef  = gallery.Ref{ID: 42, Token: "abcdef1234"}
)

// tokenFor is the page token of index in every fake gallery.
func tokenFor(index int) string {
	return fmt.Sprintf("%010x", index+1)
}

func imageURLFor(index int) string {
	return fmt.Sprintf("https://img.test/%d.jpg", index)
}

// batchFor builds the preview batch holding pages [from, to).
func batchFor(from, to, previewPages int) gallery.PreviewBatch {
	batch := gallery.PreviewBatch{Layout: gallery.LayoutNormal, PreviewPages: previewPages}
	for i := from; i < to; i++ {
		batch.Entries = append(batch.Entries, gallery.PreviewEntry{
			Position:  i,
			PageURL:   testSite.PageURL(testRef.ID, i, tokenFor(i)),
			PageToken: tokenFor(i),
		})
	}
	return batch
}

// fakeTransport answers every GET with the requested URL, so the fake parser
// can key its canned results by URL.
type fakeTransport struct {
	mu    sync.Mutex
	gets  map[string]int
	posts int
	errs  map[string]error
	// hold parks matching GETs until their context ends.
	hold    func(url string) bool
	holding chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		gets:    make(map[string]int),
		errs:    make(map[string]error),
		holding: make(chan string, 64),
	}
}

func (f *fakeTransport) Get(ctx context.Context, url, _ string) (string, error) {
	f.mu.Lock()
	f.gets[url]++
	err := f.errs[url]
	hold := f.hold
	f.mu.Unlock()

	if hold != nil && hold(url) {
		f.holding <- url
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return url, nil
}

func (f *fakeTransport) holdWhen(match func(url string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = match
}

// waitHeld returns the next parked URL.
func (f *fakeTransport) waitHeld(t *testing.T) string {
	t.Helper()
	select {
	case url := <-f.holding:
		return url
	case <-time.After(3 * time.Second):
		t.Fatal("no request was parked")
		return ""
	}
}

func (f *fakeTransport) PostJSON(_ context.Context, _, _ string, payload any) ([]byte, error) {
	f.mu.Lock()
	f.posts++
	f.mu.Unlock()
	return json.Marshal(payload)
}

func (f *fakeTransport) getCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[url]
}

func (f *fakeTransport) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts
}

var pageNumberPattern = regexp.MustCompile(`-(\d+)$`)

type fakeParser struct {
	mu         sync.Mutex
	details    map[string]gallery.Detail
	previews   map[string]gallery.PreviewBatch
	tokenLists map[string][]string
	pages      map[string]gallery.PageImage
	showKey    string
}

func newFakeParser() *fakeParser {
	return &fakeParser{
		details:    make(map[string]gallery.Detail),
		previews:   make(map[string]gallery.PreviewBatch),
		tokenLists: make(map[string][]string),
		pages:      make(map[string]gallery.PageImage),
		showKey:    "fresh-key",
	}
}

func (p *fakeParser) ParseDetail(markup string) (gallery.Detail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.details[markup]
	if !ok {
		return gallery.Detail{}, errors.New("no detail")
	}
	return d, nil
}

func (p *fakeParser) ParsePreviewBatch(markup string) (gallery.PreviewBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.previews[markup]; ok {
		return b, nil
	}
	if d, ok := p.details[markup]; ok {
		return d.Preview, nil
	}
	return gallery.PreviewBatch{}, errors.New("no preview")
}

func (p *fakeParser) ParseTokenList(markup string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, ok := p.tokenLists[markup]
	if !ok {
		return nil, errors.New("no token list")
	}
	return list, nil
}

func (p *fakeParser) ParsePage(markup string) (gallery.PageImage, error) {
	key, _, _ := strings.Cut(markup, "?")
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.pages[key]; ok {
		return res, nil
	}
	m := pageNumberPattern.FindStringSubmatch(key)
	if m == nil {
		return gallery.PageImage{}, errors.New("not a page url")
	}
	page, _ := strconv.Atoi(m[1])
	return gallery.PageImage{
		ImageURL: imageURLFor(page - 1),
		SkipKey:  fmt.Sprintf("skip-%d", page),
		ShowKey:  p.showKey,
	}, nil
}

func (p *fakeParser) ParseShowPage(body []byte) (gallery.PageImage, error) {
	var req showPageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return gallery.PageImage{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.ShowKey != p.showKey {
		return gallery.PageImage{}, ErrShowKeyMismatch
	}
	return gallery.PageImage{ImageURL: imageURLFor(req.Page - 1), SkipKey: "api-skip"}, nil
}

type saveBehavior struct {
	body     []byte
	complete bool
	err      error
	plain    bool
}

type fakeStore struct {
	mu        sync.Mutex
	pages     map[int][]byte
	plain     map[int]bool
	meta      []byte
	behaviors map[string]saveBehavior
	saves     map[int]int
	download  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pages:     make(map[int][]byte),
		plain:     make(map[int]bool),
		behaviors: make(map[string]saveBehavior),
		saves:     make(map[int]int),
	}
}

func (s *fakeStore) Contains(_ context.Context, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[index]
	return ok
}

func (s *fakeStore) Open(_ context.Context, index int) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.pages[index]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) IsPlainText(_ context.Context, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plain[index]
}

func (s *fakeStore) Remove(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, index)
	delete(s.plain, index)
	return nil
}

func (s *fakeStore) StreamSave(
	_ context.Context,
	index int,
	url, _ string,
	progress transport.ProgressFunc,
) (bool, error) {
	s.mu.Lock()
	s.saves[index]++
	b, ok := s.behaviors[url]
	if !ok {
		b = saveBehavior{body: []byte("image-bytes"), complete: true}
	}
	if b.err != nil {
		s.mu.Unlock()
		return false, b.err
	}
	s.pages[index] = b.body
	s.plain[index] = b.plain
	s.mu.Unlock()

	n := int64(len(b.body))
	if progress != nil {
		if err := progress(n, n, n); err != nil {
			return false, err
		}
	}
	return b.complete, nil
}

func (s *fakeStore) Export(_ context.Context, index int, dir, filename string) (string, error) {
	if !s.Contains(context.Background(), index) {
		return "", fs.ErrNotExist
	}
	return dir + "/" + filename + ".jpg", nil
}

func (s *fakeStore) Extension(_ context.Context, index int) (string, bool) {
	return "jpg", s.Contains(context.Background(), index)
}

func (s *fakeStore) ReadMetadata(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), s.meta...), nil
}

func (s *fakeStore) WriteMetadata(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) SetMode(download bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.download = download
}

func (s *fakeStore) setBehavior(url string, b saveBehavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[url] = b
}

func (s *fakeStore) saveCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[index]
}

type fakeDecoder struct {
	mu    sync.Mutex
	calls int
}

func (d *fakeDecoder) Decode(r io.Reader) (image.Image, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	return image.NewGray(image.Rect(0, 0, 1, 1)), nil
}

type pageEvent struct {
	index      int
	err        error
	finished   int
	downloaded int
	total      int
}

// recorder captures every notification.
type recorder struct {
	mu          sync.Mutex
	sessions    []uuid.UUID
	pageCounts  []int
	done        []pageEvent
	allDone     int
	drains      []pageEvent
	bandwidth   []int
	ready       []int
	imageErrors map[int]error
}

func newRecorder() *recorder {
	return &recorder{imageErrors: make(map[int]error)}
}

func (r *recorder) OnPageCount(pages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pageCounts = append(r.pageCounts, pages)
}

func (r *recorder) OnBandwidthLimited(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bandwidth = append(r.bandwidth, index)
}

func (r *recorder) OnProgress(int, int64, int64, int64) {}

func (r *recorder) OnPageDone(index int, err error, finished, downloaded, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, pageEvent{index, err, finished, downloaded, total})
}

func (r *recorder) OnAllDone(finished, downloaded, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allDone++
	r.drains = append(r.drains, pageEvent{index: -1, finished: finished, downloaded: downloaded, total: total})
}

func (r *recorder) lastDrain() (pageEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.drains) == 0 {
		return pageEvent{}, false
	}
	return r.drains[len(r.drains)-1], true
}

func (r *recorder) OnImageReady(index int, _ image.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, index)
}

func (r *recorder) OnImageFailed(index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imageErrors[index] = err
}

func (r *recorder) allDoneCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allDone
}

func (r *recorder) readyCount(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, i := range r.ready {
		if i == index {
			n++
		}
	}
	return n
}

func (r *recorder) events() []pageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pageEvent(nil), r.done...)
}

// harness wires a registry to fresh fakes.
type harness struct {
	registry  *Registry
	transport *fakeTransport
	parser    *fakeParser
	store     *fakeStore
	decoder   *fakeDecoder
	rec       *recorder
	showKeys  *ShowKeyCache
	cache     *gallery.Cache
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		parser:    newFakeParser(),
		store:     newFakeStore(),
		decoder:   &fakeDecoder{},
		rec:       newRecorder(),
		showKeys:  &ShowKeyCache{},
		cache:     gallery.NewCache(8),
	}
	registry, err := NewRegistry(Deps{
		Transport: h.transport,
		Parser:    h.parser,
		Stores: func(context.Context, gallery.Ref) (ContentStore, error) {
			return h.store, nil
		},
		Decoder:  h.decoder,
		Site:     testSite,
		Cache:    h.cache,
		ShowKeys: h.showKeys,
		Observe: func(_ gallery.Ref, session uuid.UUID) Listener {
			h.rec.mu.Lock()
			h.rec.sessions = append(h.rec.sessions, session)
			h.rec.mu.Unlock()
			return h.rec
		},
	}, cfg, nil)
	require.NoError(t, err)
	h.registry = registry
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return h
}

// withGallery registers a gallery of pages pages whose detail view lists the
// first perBatch tokens.
func (h *harness) withGallery(pages, perBatch int) {
	previewPages := (pages + perBatch - 1) / perBatch
	h.parser.mu.Lock()
	defer h.parser.mu.Unlock()
	h.parser.details[testSite.DetailURL(testRef, 0)] = gallery.Detail{
		PageCount: pages,
		Preview:   batchFor(0, min(perBatch, pages), previewPages),
	}
	for p := 1; p < previewPages; p++ {
		h.parser.previews[testSite.DetailURL(testRef, p)] = batchFor(p*perBatch, min((p+1)*perBatch, pages), previewPages)
	}
}

func waitReady(t *testing.T, e *Engine) int {
	t.Helper()
	var size int
	require.Eventually(t, func() bool {
		n, err := e.Size()
		size = n
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return size
}

func waitState(t *testing.T, e *Engine, index int, want PageState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.pageState(index) == want
	}, 3*time.Second, 5*time.Millisecond, "page %d never reached %s", index, want)
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
