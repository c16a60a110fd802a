// Package gcs provides a gallery backend on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path.
	Prefix string
}

// Root hands out per-gallery prefixes inside the configured bucket.
type Root struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed root.
func New(client *storage.Client, cfg Config) (*Root, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Root{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Gallery returns the backend of gid under <prefix>/<gid>/.
func (r *Root) Gallery(gid int64) *BlobStore {
	return &BlobStore{
		client: r.client,
		bucket: r.bucket,
		prefix: path.Join(r.prefix, strconv.FormatInt(gid, 10)) + "/",
	}
}

// BlobStore keeps the objects of one gallery under a prefix.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// ObjectPath returns the full object path of name.
func (s *BlobStore) ObjectPath(name string) string {
	return s.prefix + name
}

// NewWriter starts an upload of name; the object appears on Close.
func (s *BlobStore) NewWriter(ctx context.Context, name string) (io.WriteCloser, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("path is required")
	}
	return s.client.Bucket(s.bucket).Object(s.ObjectPath(name)).NewWriter(ctx), nil
}

// NewReader opens name for reading.
func (s *BlobStore) NewReader(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.ObjectPath(name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("object %s: %w", name, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	return r, nil
}

// Delete removes name; a missing object is not an error.
func (s *BlobStore) Delete(ctx context.Context, name string) error {
	err := s.client.Bucket(s.bucket).Object(s.ObjectPath(name)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", name, err)
	}
	return nil
}

// List returns the object names below the gallery prefix.
func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		names = append(names, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	return names, nil
}

// NewClient opens a client with Application Default Credentials and checks
// the bucket is reachable.
func NewClient(ctx context.Context, bucket string) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		closeErr := client.Close()
		return nil, errors.Join(fmt.Errorf("failed to get GCS bucket '%s' attributes: %w", bucket, err), closeErr)
	}
	return client, nil
}
