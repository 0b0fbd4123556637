package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

// DocumentStore is an in-memory DocumentStorage.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*models.Document
}

var _ interfaces.DocumentStorage = (*DocumentStore)(nil)

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]*models.Document)}
}

func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *DocumentStore) BumpExportVersion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	doc.ExportVersion++
	doc.UpdatedAt = time.Now().UTC()
	return nil
}
