package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// PurchaseStore persists purchase records. Status transitions are conditional
// writes: the returned bool reports whether this caller performed the
// transition, so concurrent reconcilers can tell the winner from the rest.
type PurchaseStore interface {
	// Create inserts a new record. Returns ErrDuplicatePurchase when the
	// purchase id, or the provider correlation id, already exists.
	Create(ctx context.Context, record *PurchaseRecord) error

	GetByID(ctx context.Context, purchaseID string) (*PurchaseRecord, error)

	// FindByCorrelation is an exact lookup on (provider, correlation id).
	FindByCorrelation(ctx context.Context, provider Provider, correlationID string) (*PurchaseRecord, error)

	// AttachCorrelation sets the correlation id of a pending purchase whose
	// provider assigns it after session creation.
	AttachCorrelation(ctx context.Context, purchaseID, correlationID string) error

	// MarkCompleted moves pending to completed and merges details into metadata.
	// An already completed record is returned unchanged with false.
	MarkCompleted(ctx context.Context, purchaseID string, details Metadata) (*PurchaseRecord, bool, error)

	// MarkTerminal moves pending to failed or canceled.
	MarkTerminal(ctx context.Context, purchaseID string, status PurchaseStatus, details Metadata) (*PurchaseRecord, bool, error)

	// MarkRefunded moves completed to refunded.
	MarkRefunded(ctx context.Context, purchaseID string, details Metadata) (*PurchaseRecord, bool, error)

	// ListCompletedSince returns completed purchases, oldest completion first.
	ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*PurchaseRecord, error)

	// ListStalePending returns pending purchases created before olderThan.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*PurchaseRecord, error)
}

// InMemoryPurchaseStore implements PurchaseStore for tests and local runs.
type InMemoryPurchaseStore struct {
	mu          sync.RWMutex
	records     map[string]*PurchaseRecord
	correlation map[string]string // provider + "\x00" + correlation id -> purchase id
	now         func() time.Time
}

// NewInMemoryPurchaseStore creates an empty in-memory store.
func NewInMemoryPurchaseStore() *InMemoryPurchaseStore {
	return &InMemoryPurchaseStore{
		records:     make(map[string]*PurchaseRecord),
		correlation: make(map[string]string),
		now:         time.Now,
	}
}

func correlationKey(p Provider, id string) string {
	return string(p) + "\x00" + id
}

// Create inserts a new record.
func (s *InMemoryPurchaseStore) Create(ctx context.Context, record *PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.PurchaseID]; exists {
		return ErrDuplicatePurchase
	}
	corr := record.CorrelationID()
	if corr != "" {
		if _, exists := s.correlation[correlationKey(record.Provider, corr)]; exists {
			return ErrDuplicatePurchase
		}
	}

	now := s.now()
	stored := record.clone()
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.records[stored.PurchaseID] = stored
	if corr != "" {
		s.correlation[correlationKey(stored.Provider, corr)] = stored.PurchaseID
	}

	record.Status = stored.Status
	record.CreatedAt = stored.CreatedAt
	record.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetByID retrieves a purchase by id.
func (s *InMemoryPurchaseStore) GetByID(ctx context.Context, purchaseID string) (*PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[purchaseID]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return rec.clone(), nil
}

// FindByCorrelation retrieves a purchase by provider correlation id.
func (s *InMemoryPurchaseStore) FindByCorrelation(ctx context.Context, provider Provider, correlationID string) (*PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.correlation[correlationKey(provider, correlationID)]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return s.records[id].clone(), nil
}

// AttachCorrelation sets the correlation id of a pending purchase.
func (s *InMemoryPurchaseStore) AttachCorrelation(ctx context.Context, purchaseID, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[purchaseID]
	if !ok {
		return ErrPurchaseNotFound
	}
	key := correlationKey(rec.Provider, correlationID)
	if owner, exists := s.correlation[key]; exists {
		if owner == purchaseID {
			return nil
		}
		return ErrDuplicatePurchase
	}
	if rec.Status != StatusPending {
		return ErrPurchaseClosed
	}

	if old := rec.CorrelationID(); old != "" {
		delete(s.correlation, correlationKey(rec.Provider, old))
	}
	rec.Metadata = rec.Metadata.Merge(Metadata{MetaCorrelationID: correlationID})
	rec.UpdatedAt = s.now()
	s.correlation[key] = purchaseID
	return nil
}

// MarkCompleted transitions pending to completed.
func (s *InMemoryPurchaseStore) MarkCompleted(ctx context.Context, purchaseID string, details Metadata) (*PurchaseRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[purchaseID]
	if !ok {
		return nil, false, ErrPurchaseNotFound
	}
	switch rec.Status {
	case StatusPending:
	case StatusCompleted:
		return rec.clone(), false, nil
	default:
		return rec.clone(), false, ErrPurchaseClosed
	}

	now := s.now()
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	rec.Metadata = rec.Metadata.Merge(withoutCorrelation(details))
	return rec.clone(), true, nil
}

// MarkTerminal transitions pending to failed or canceled.
func (s *InMemoryPurchaseStore) MarkTerminal(ctx context.Context, purchaseID string, status PurchaseStatus, details Metadata) (*PurchaseRecord, bool, error) {
	if status != StatusFailed && status != StatusCanceled {
		return nil, false, ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[purchaseID]
	if !ok {
		return nil, false, ErrPurchaseNotFound
	}
	if rec.Status != StatusPending {
		return rec.clone(), false, nil
	}

	rec.Status = status
	rec.UpdatedAt = s.now()
	rec.Metadata = rec.Metadata.Merge(withoutCorrelation(details))
	return rec.clone(), true, nil
}

// MarkRefunded transitions completed to refunded.
func (s *InMemoryPurchaseStore) MarkRefunded(ctx context.Context, purchaseID string, details Metadata) (*PurchaseRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[purchaseID]
	if !ok {
		return nil, false, ErrPurchaseNotFound
	}
	if rec.Status != StatusCompleted {
		return rec.clone(), false, nil
	}

	rec.Status = StatusRefunded
	rec.UpdatedAt = s.now()
	rec.Metadata = rec.Metadata.Merge(withoutCorrelation(details))
	return rec.clone(), true, nil
}

// ListCompletedSince returns completed purchases, oldest completion first.
func (s *InMemoryPurchaseStore) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PurchaseRecord
	for _, rec := range s.records {
		if rec.Status == StatusCompleted && rec.CompletedAt != nil && !rec.CompletedAt.Before(since) {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return truncate(out, limit), nil
}

// ListStalePending returns pending purchases created before olderThan.
func (s *InMemoryPurchaseStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PurchaseRecord
	for _, rec := range s.records {
		if rec.Status == StatusPending && rec.CreatedAt.Before(olderThan) {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func truncate(records []*PurchaseRecord, limit int) []*PurchaseRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// withoutCorrelation drops the correlation key so status updates cannot
// rewrite the indexed column.
func withoutCorrelation(details Metadata) Metadata {
	if _, ok := details[MetaCorrelationID]; !ok {
		return details
	}
	out := details.clone()
	delete(out, MetaCorrelationID)
	return out
}
