// Package memory provides in-memory store implementations used in
// development mode and in tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type object struct {
	data        []byte
	contentType string
}

// BlobStore keeps mirrored media and page snapshots in-memory and
// hands back memory:// URIs. Contents last for the process lifetime,
// which is all development mode needs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore constructs a BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject stores a copy of the payload under the key and returns a
// memory:// URI. Re-publishing a key replaces the previous payload,
// matching what a filesystem or bucket write would do.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	payload, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read payload for %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{data: payload, contentType: contentType}
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns a copy of the stored payload and its content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
