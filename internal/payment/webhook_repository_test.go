package payment

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// TestRecordEvent_Success tests recording a new event.
func TestRecordEvent_Success(t *testing.T) {
	repo := NewInMemoryWebhookRepository()
	ctx := context.Background()

	if err := repo.RecordEvent(ctx, ProviderPayJP, "evnt_123", "charge.succeeded"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	hasProcessed, err := repo.HasProcessed(ctx, ProviderPayJP, "evnt_123")
	if err != nil {
		t.Fatalf("failed to check processed status: %v", err)
	}
	if !hasProcessed {
		t.Error("event should be marked as processed")
	}
}

// TestRecordEvent_Duplicate tests that duplicate events return ErrEventAlreadyProcessed.
func TestRecordEvent_Duplicate(t *testing.T) {
	repo := NewInMemoryWebhookRepository()
	ctx := context.Background()

	if err := repo.RecordEvent(ctx, ProviderStripe, "evt_duplicate", "checkout.session.completed"); err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	err := repo.RecordEvent(ctx, ProviderStripe, "evt_duplicate", "checkout.session.completed")
	if err != ErrEventAlreadyProcessed {
		t.Errorf("expected ErrEventAlreadyProcessed, got %v", err)
	}
}

// TestRecordEvent_ScopedByProvider tests that event ids are only unique per provider.
func TestRecordEvent_ScopedByProvider(t *testing.T) {
	repo := NewInMemoryWebhookRepository()
	ctx := context.Background()

	if err := repo.RecordEvent(ctx, ProviderPayPay, "m-1:COMPLETED", "Transaction"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := repo.RecordEvent(ctx, ProviderPayJP, "m-1:COMPLETED", "charge.succeeded"); err != nil {
		t.Errorf("same id under another provider should be accepted, got %v", err)
	}

	processed, _ := repo.HasProcessed(ctx, ProviderStripe, "m-1:COMPLETED")
	if processed {
		t.Error("event should not be visible under an unrelated provider")
	}
}

// TestHasProcessed_NotFound tests checking for an event that doesn't exist.
func TestHasProcessed_NotFound(t *testing.T) {
	repo := NewInMemoryWebhookRepository()

	hasProcessed, err := repo.HasProcessed(context.Background(), ProviderPayPay, "evt_nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasProcessed {
		t.Error("event should not be marked as processed")
	}
}

// TestRecordEvent_ConcurrentDuplicates tests that exactly one concurrent recorder wins.
func TestRecordEvent_ConcurrentDuplicates(t *testing.T) {
	repo := NewInMemoryWebhookRepository()
	ctx := context.Background()

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	successCount := 0
	duplicateCount := 0
	var countMutex sync.Mutex

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			err := repo.RecordEvent(ctx, ProviderPayJP, "evnt_concurrent", "charge.succeeded")

			countMutex.Lock()
			defer countMutex.Unlock()
			if err == nil {
				successCount++
			} else if err == ErrEventAlreadyProcessed {
				duplicateCount++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount)
	}
	if duplicateCount != numGoroutines-1 {
		t.Errorf("expected %d duplicates, got %d", numGoroutines-1, duplicateCount)
	}
}

// TestRecordEvent_ConcurrentWrites tests thread safety with distinct concurrent writes.
func TestRecordEvent_ConcurrentWrites(t *testing.T) {
	repo := NewInMemoryWebhookRepository()
	ctx := context.Background()

	const numGoroutines = 20
	const numEventsPerGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < numEventsPerGoroutine; j++ {
				eventID := fmt.Sprintf("evt_%d_%d", goroutineID, j)
				if err := repo.RecordEvent(ctx, ProviderStripe, eventID, "test.event"); err != nil {
					t.Errorf("goroutine %d failed to record event: %v", goroutineID, err)
				}
			}
		}(i)
	}
	wg.Wait()

	repo.mu.RLock()
	totalEvents := len(repo.events)
	repo.mu.RUnlock()

	if totalEvents != numGoroutines*numEventsPerGoroutine {
		t.Errorf("expected %d events, got %d", numGoroutines*numEventsPerGoroutine, totalEvents)
	}
}
