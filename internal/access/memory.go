package access

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is an in-memory implementation of Store.
// Thread-safe via RWMutex.
type InMemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant // user + "\x00" + resource id
	now    func() time.Time
	stats  *UpsertStats
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		grants: make(map[string]*Grant),
		now:    time.Now,
		stats:  NewUpsertStats(),
	}
}

func grantKey(userID, resourceID string) string {
	return userID + "\x00" + resourceID
}

// Stats returns the store's upsert counters.
func (s *InMemoryStore) Stats() *UpsertStats {
	return s.stats
}

// GrantFull upserts a full, perpetual grant.
func (s *InMemoryStore) GrantFull(ctx context.Context, userID, resourceID, purchaseID string) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := grantKey(userID, resourceID)
	g, ok := s.grants[key]
	if !ok {
		s.grants[key] = &Grant{
			UserID:       userID,
			ResourceType: ResourceTypeDiagnosis,
			ResourceID:   resourceID,
			Level:        LevelFull,
			PurchaseID:   purchaseID,
			ValidFrom:    now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.stats.Record(ChangeInserted)
		return ChangeInserted, nil
	}
	if g.Level == LevelFull && g.ValidUntil == nil {
		s.stats.Record(ChangeUnchanged)
		return ChangeUnchanged, nil
	}

	g.Level = LevelFull
	g.PurchaseID = purchaseID
	g.ValidFrom = now
	g.ValidUntil = nil
	g.UpdatedAt = now
	s.stats.Record(ChangeUpgraded)
	return ChangeUpgraded, nil
}

// GrantPreview inserts a preview grant or raises none to preview.
func (s *InMemoryStore) GrantPreview(ctx context.Context, userID, resourceID string) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := grantKey(userID, resourceID)
	g, ok := s.grants[key]
	if !ok {
		s.grants[key] = &Grant{
			UserID:       userID,
			ResourceType: ResourceTypeDiagnosis,
			ResourceID:   resourceID,
			Level:        LevelPreview,
			ValidFrom:    now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.stats.Record(ChangeInserted)
		return ChangeInserted, nil
	}
	if g.Level != LevelNone {
		s.stats.Record(ChangeUnchanged)
		return ChangeUnchanged, nil
	}
	g.Level = LevelPreview
	g.UpdatedAt = now
	s.stats.Record(ChangeUpgraded)
	return ChangeUpgraded, nil
}

// Get returns a copy of the grant.
func (s *InMemoryStore) Get(ctx context.Context, userID, resourceID string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[grantKey(userID, resourceID)]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return g.clone(), nil
}

// Revoke lowers a full grant owned by purchaseID to preview.
func (s *InMemoryStore) Revoke(ctx context.Context, userID, resourceID, purchaseID string) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantKey(userID, resourceID)]
	if !ok || g.Level != LevelFull || g.PurchaseID != purchaseID {
		return ChangeUnchanged, nil
	}
	g.Level = LevelPreview
	g.UpdatedAt = s.now()
	s.stats.Record(ChangeDowngraded)
	return ChangeDowngraded, nil
}
