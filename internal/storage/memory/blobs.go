package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/vectorpress/internal/interfaces"
)

// BlobStore is an in-memory BlobStorage with the same deletable-prefix
// guard as the MinIO implementation.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ interfaces.BlobStorage = (*BlobStore)(nil)

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = cp
	return nil
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if !interfaces.DeletableBlobKey(key) {
		return interfaces.ErrProtectedKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *BlobStore) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[key]; !ok {
		return "", interfaces.ErrBlobNotFound
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int(expires.Seconds())), nil
}

// Exists reports whether a key holds a blob. Test helper.
func (s *BlobStore) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok
}
