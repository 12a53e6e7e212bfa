package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
)

// Blob is one archived object.
type Blob struct {
	ContentType string
	Data        []byte
}

// BlobStore is an in-process archive. URIs use the memory:// scheme.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewBlobStore returns an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]Blob)}
}

// PutObject implements importer.BlobStore. Writing a path again replaces it.
func (s *BlobStore) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	s.mu.Lock()
	s.blobs[path] = Blob{ContentType: contentType, Data: buf.Bytes()}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns a copy of the blob at path.
func (s *BlobStore) Get(path string) (Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return Blob{}, false
	}
	b.Data = bytes.Clone(b.Data)
	return b, true
}

// Paths lists the stored paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.blobs))
}
