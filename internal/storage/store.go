// Package storage keeps downloaded page bytes and the gallery metadata record
// on a pluggable backend (local filesystem, Google Cloud Storage, or memory).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/transport"
)

// Backend stores named objects of one gallery. NewReader returns an error
// wrapping fs.ErrNotExist for missing objects and Delete ignores them.
type Backend interface {
	NewWriter(ctx context.Context, name string) (io.WriteCloser, error)
	NewReader(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

const (
	sniffLen     = 512
	plainTextExt = "txt"
	defaultExt   = "jpg"
)

var pageNamePattern = regexp.MustCompile(`^(\d{8})\.([a-z0-9]+)$`)

// PageName is the object name of page index stored with extension ext.
func PageName(index int, ext string) string {
	return fmt.Sprintf("%08d.%s", index, ext)
}

// Store implements the spider content store for one gallery. Writes go to
// the cache backend in read mode and to the primary backend in download mode.
// In download mode a page found only in the cache is copied to the primary
// backend on first lookup.
type Store struct {
	primary    Backend
	cache      Backend
	downloader transport.Downloader
	logger     *zap.Logger

	mu       sync.Mutex
	download bool
	scanned  bool
	pages    map[int]page
}

type page struct {
	ext     string
	inCache bool
}

// NewStore builds a Store. cache may be nil, in which case every write goes
// to primary.
func NewStore(primary, cache Backend, downloader transport.Downloader, logger *zap.Logger) (*Store, error) {
	if primary == nil {
		return nil, errors.New("primary backend is required")
	}
	if downloader == nil {
		return nil, errors.New("downloader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		primary:    primary,
		cache:      cache,
		downloader: downloader,
		logger:     logger.Named("storage"),
		pages:      make(map[int]page),
	}, nil
}

// SetMode switches the write target between the cache and the primary backend.
func (s *Store) SetMode(download bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.download = download
}

func (s *Store) target() (Backend, bool) {
	if s.download || s.cache == nil {
		return s.primary, false
	}
	return s.cache, true
}

// scanLocked indexes the stored pages once.
func (s *Store) scanLocked(ctx context.Context) {
	if s.scanned {
		return
	}
	s.scanned = true
	if s.cache != nil {
		s.indexLocked(ctx, s.cache, true)
	}
	s.indexLocked(ctx, s.primary, false)
}

func (s *Store) indexLocked(ctx context.Context, b Backend, inCache bool) {
	names, err := b.List(ctx)
	if err != nil {
		s.logger.Warn("list stored pages failed", zap.Error(err))
		return
	}
	for _, name := range names {
		m := pageNamePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		s.pages[index] = page{ext: m[2], inCache: inCache}
	}
}

func (s *Store) lookup(ctx context.Context, index int) (page, bool) {
	s.mu.Lock()
	s.scanLocked(ctx)
	p, ok := s.pages[index]
	promote := ok && p.inCache && s.download
	s.mu.Unlock()
	if !promote {
		return p, ok
	}

	// The copy runs unlocked; a concurrent lookup may copy the same bytes.
	if err := s.promote(ctx, index, p); err != nil {
		s.logger.Warn("copy cached page failed", zap.Int("index", index), zap.Error(err))
		return p, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pages[index]; ok && cur == p {
		cur.inCache = false
		s.pages[index] = cur
		return cur, true
	}
	cur, ok := s.pages[index]
	return cur, ok
}

func (s *Store) promote(ctx context.Context, index int, p page) error {
	name := PageName(index, p.ext)
	r, err := s.cache.NewReader(ctx, name)
	if err != nil {
		return err
	}
	defer closeQuietly(r, s.logger)
	w, err := s.primary.NewWriter(ctx, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

func (s *Store) backendFor(p page) Backend {
	if p.inCache && s.cache != nil {
		return s.cache
	}
	return s.primary
}

// Contains reports whether index has stored bytes.
func (s *Store) Contains(ctx context.Context, index int) bool {
	_, ok := s.lookup(ctx, index)
	return ok
}

// Open returns the stored bytes of index.
func (s *Store) Open(ctx context.Context, index int) (io.ReadCloser, error) {
	p, ok := s.lookup(ctx, index)
	if !ok {
		return nil, fmt.Errorf("open page %d: %w", index, fs.ErrNotExist)
	}
	r, err := s.backendFor(p).NewReader(ctx, PageName(index, p.ext))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.forget(index)
		}
		return nil, fmt.Errorf("open page %d: %w", index, err)
	}
	return r, nil
}

// Extension returns the stored extension of index.
func (s *Store) Extension(ctx context.Context, index int) (string, bool) {
	p, ok := s.lookup(ctx, index)
	return p.ext, ok
}

// IsPlainText reports whether the stored bytes of index are text, which the
// site serves in place of an image when a request is refused.
func (s *Store) IsPlainText(ctx context.Context, index int) bool {
	p, ok := s.lookup(ctx, index)
	return ok && p.ext == plainTextExt
}

// Remove deletes every stored copy of index.
func (s *Store) Remove(ctx context.Context, index int) error {
	s.mu.Lock()
	s.scanLocked(ctx)
	p, ok := s.pages[index]
	delete(s.pages, index)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	name := PageName(index, p.ext)
	var errs []error
	if err := s.primary.Delete(ctx, name); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove page %d: %w", index, err)
	}
	return nil
}

func (s *Store) forget(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, index)
}

// StreamSave downloads url into the page slot of index. The extension is
// chosen from the first bytes of the body. It reports false when the
// transfer ended early or delivered no bytes.
func (s *Store) StreamSave(
	ctx context.Context,
	index int,
	url, referer string,
	progress transport.ProgressFunc,
) (bool, error) {
	if err := s.Remove(ctx, index); err != nil {
		s.logger.Debug("clear page before download failed", zap.Int("index", index), zap.Error(err))
	}
	s.mu.Lock()
	backend, inCache := s.target()
	s.mu.Unlock()

	w := &sniffWriter{ctx: ctx, backend: backend, index: index, fallback: extFromURL(url)}
	complete, err := s.downloader.Download(ctx, url, referer, w, progress)
	closeErr := w.Close()
	if err == nil {
		err = closeErr
	}
	if w.ext != "" {
		s.mu.Lock()
		s.pages[index] = page{ext: w.ext, inCache: inCache}
		s.mu.Unlock()
	}
	if err != nil {
		return false, fmt.Errorf("save page %d: %w", index, err)
	}
	if w.ext == "" {
		return false, nil
	}
	return complete, nil
}

// Export copies index into dir as filename plus the stored extension.
func (s *Store) Export(ctx context.Context, index int, dir, filename string) (string, error) {
	p, ok := s.lookup(ctx, index)
	if !ok {
		return "", fmt.Errorf("export page %d: %w", index, fs.ErrNotExist)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	r, err := s.backendFor(p).NewReader(ctx, PageName(index, p.ext))
	if err != nil {
		return "", fmt.Errorf("export page %d: %w", index, err)
	}
	defer closeQuietly(r, s.logger)

	dst := filepath.Join(dir, filename+"."+p.ext)
	// #nosec G304 -- dst is built from the caller supplied export directory.
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	return dst, nil
}

// ReadMetadata returns the stored metadata record, preferring the primary
// backend.
func (s *Store) ReadMetadata(ctx context.Context) ([]byte, error) {
	data, err := readAll(ctx, s.primary, gallery.MetadataFileName)
	if err == nil || s.cache == nil || !errors.Is(err, fs.ErrNotExist) {
		return data, err
	}
	return readAll(ctx, s.cache, gallery.MetadataFileName)
}

// WriteMetadata stores the metadata record next to the pages being written.
func (s *Store) WriteMetadata(ctx context.Context, data []byte) error {
	s.mu.Lock()
	backend, _ := s.target()
	s.mu.Unlock()
	w, err := backend.NewWriter(ctx, gallery.MetadataFileName)
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	return nil
}

func readAll(ctx context.Context, b Backend, name string) ([]byte, error) {
	r, err := b.NewReader(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func closeQuietly(c io.Closer, logger *zap.Logger) {
	if err := c.Close(); err != nil {
		logger.Debug("close failed", zap.Error(err))
	}
}

// sniffWriter holds back the first bytes of a body until the content type is
// known, then opens the page object under the matching extension.
type sniffWriter struct {
	ctx      context.Context
	backend  Backend
	index    int
	fallback string

	head []byte
	w    io.WriteCloser
	ext  string
}

func (w *sniffWriter) Write(p []byte) (int, error) {
	if w.w != nil {
		return w.w.Write(p)
	}
	w.head = append(w.head, p...)
	if len(w.head) < sniffLen {
		return len(p), nil
	}
	if err := w.open(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *sniffWriter) open() error {
	w.ext = ExtensionFor(w.head, w.fallback)
	out, err := w.backend.NewWriter(w.ctx, PageName(w.index, w.ext))
	if err != nil {
		return err
	}
	w.w = out
	if _, err := out.Write(w.head); err != nil {
		return err
	}
	w.head = nil
	return nil
}

// Close flushes a short body and finalises the object.
func (w *sniffWriter) Close() error {
	if w.w == nil {
		if len(w.head) == 0 {
			return nil
		}
		if err := w.open(); err != nil {
			return err
		}
	}
	return w.w.Close()
}

// ExtensionFor maps the leading bytes of a body to a file extension, falling
// back to fallback and then to jpg for unrecognised binary content.
func ExtensionFor(head []byte, fallback string) string {
	ct := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(ct, "image/jpeg"):
		return "jpg"
	case strings.HasPrefix(ct, "image/png"):
		return "png"
	case strings.HasPrefix(ct, "image/gif"):
		return "gif"
	case strings.HasPrefix(ct, "image/webp"):
		return "webp"
	case strings.HasPrefix(ct, "image/bmp"):
		return "bmp"
	case strings.HasPrefix(ct, "text/"):
		return plainTextExt
	}
	if fallback != "" {
		return fallback
	}
	return defaultExt
}

func extFromURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(raw), "."))
	switch ext {
	case "jpeg":
		return "jpg"
	case "jpg", "png", "gif", "webp", "bmp", "tif", "tiff":
		return ext
	}
	return ""
}
