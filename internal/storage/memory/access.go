package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

// AccessStore is an in-memory AccessStorage.
type AccessStore struct {
	mu     sync.Mutex
	grants map[string]*models.DocumentAccess
}

var _ interfaces.AccessStorage = (*AccessStore)(nil)

func NewAccessStore() *AccessStore {
	return &AccessStore{grants: make(map[string]*models.DocumentAccess)}
}

func key(documentID, userID string) string {
	return documentID + "/" + userID
}

func (s *AccessStore) Create(ctx context.Context, access *models.DocumentAccess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	access.CreatedAt = now
	access.UpdatedAt = now
	cp := *access
	s.grants[key(access.DocumentID, access.UserID)] = &cp
	return nil
}

func (s *AccessStore) Get(ctx context.Context, documentID, userID string) (*models.DocumentAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	access, ok := s.grants[key(documentID, userID)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *access
	return &cp, nil
}

func (s *AccessStore) IncrementUsed(ctx context.Context, documentID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	access, ok := s.grants[key(documentID, userID)]
	if !ok || access.Revoked {
		return interfaces.ErrNotFound
	}
	access.PrintsUsed++
	access.LastPrintAt = &at
	access.UpdatedAt = at
	return nil
}

func (s *AccessStore) ConsumeOptimistic(ctx context.Context, documentID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	access, ok := s.grants[key(documentID, userID)]
	if !ok || access.Revoked || access.PrintsUsed >= access.PrintQuota {
		return false, nil
	}
	access.PrintsUsed++
	access.LastPrintAt = &at
	access.UpdatedAt = at
	return true, nil
}

func (s *AccessStore) NormalizeCounters(ctx context.Context, documentID, userID string) (*models.DocumentAccess, error) {
	// Counters are value types in memory; nothing to backfill.
	return s.Get(ctx, documentID, userID)
}
