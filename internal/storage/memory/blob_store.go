// Package memory stores gallery objects in-memory for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"
)

// Root hands out one BlobStore per gallery and keeps them for the process
// lifetime.
type Root struct {
	mu     sync.Mutex
	stores map[int64]*BlobStore
}

// NewRoot creates an empty in-memory root.
func NewRoot() *Root {
	return &Root{stores: make(map[int64]*BlobStore)}
}

// Gallery returns the store of gid, creating it on first use.
func (r *Root) Gallery(gid int64) *BlobStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[gid]
	if !ok {
		s = NewBlobStore()
		r.stores[gid] = s
	}
	return s
}

// BlobStore stores the objects of one gallery in-memory.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// NewWriter buffers the object and publishes it on Close.
func (s *BlobStore) NewWriter(_ context.Context, name string) (io.WriteCloser, error) {
	if name == "" {
		return nil, fmt.Errorf("path is required")
	}
	return &writer{store: s, name: name}, nil
}

// NewReader returns a snapshot of the object.
func (s *BlobStore) NewReader(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", name, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the object.
func (s *BlobStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, name)
	return nil
}

// List returns the object names in lexical order.
func (s *BlobStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data))
	for name := range s.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Bytes returns a copy of the object, for inspection in tests.
func (s *BlobStore) Bytes(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	return append([]byte(nil), data...), ok
}

type writer struct {
	store *BlobStore
	name  string
	buf   bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.data[w.name] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}
