// Package gcs archives raw question payloads in a Cloud Storage bucket.
// Objects are write-once: a path that already exists is left untouched and
// reported as archived, so a retried import never rewrites history.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config locates the bucket.
type Config struct {
	Bucket string
	// Endpoint points the client at an emulator and disables authentication.
	Endpoint string
}

// BlobStore implements importer.BlobStore on one bucket.
type BlobStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	logger *zap.Logger
}

// Open dials GCS with application default credentials and checks that the
// bucket is reachable.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s, err := New(client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := s.bucket.Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q: %w", cfg.Bucket, err)
	}
	return s, nil
}

// New wraps client. Close closes it.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	switch {
	case client == nil:
		return nil, errors.New("gcs: storage client is required")
	case cfg.Bucket == "":
		return nil, errors.New("gcs: bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		logger: logger.Named("gcs"),
	}, nil
}

// PutObject uploads r to path unless the object already exists, and returns
// its gs:// URI either way.
func (s *BlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("gcs: path is required")
	}
	uri := "gs://" + s.name + "/" + path

	w := s.bucket.Object(path).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = 0
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", uri, err)
	}
	err := w.Close()
	var apiErr *googleapi.Error
	switch {
	case err == nil:
		return uri, nil
	case errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed:
		s.logger.Debug("object already archived", zap.String("uri", uri))
		return uri, nil
	default:
		return "", fmt.Errorf("upload %s: %w", uri, err)
	}
}

// Close releases the client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
