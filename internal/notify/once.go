package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultClaimTTL keeps claims long enough to outlive every webhook retry window.
const DefaultClaimTTL = 30 * 24 * time.Hour

// Guard claims a key exactly once.
type Guard interface {
	// Claim returns true for the first caller only.
	Claim(ctx context.Context, key string) (bool, error)
}

// RedisGuard claims keys with SET NX so the claim holds across processes.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a guard. ttl <= 0 uses DefaultClaimTTL.
func NewRedisGuard(client redis.Cmdable, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisGuard{client: client, prefix: "notify:", ttl: ttl}
}

// Claim sets prefix+key if it does not exist.
func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", key, err)
	}
	return ok, nil
}

// MemoryGuard is a process-local Guard for single-instance runs and tests.
type MemoryGuard struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claimed: make(map[string]struct{})}
}

// Claim records key and reports whether it was new.
func (g *MemoryGuard) Claim(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.claimed[key]; ok {
		return false, nil
	}
	g.claimed[key] = struct{}{}
	return true, nil
}

// OnceSink forwards each (event kind, purchase) at most once.
// When the guard fails the notification is dropped, not sent twice.
type OnceSink struct {
	next   Sink
	guard  Guard
	logger *slog.Logger
}

// NewOnceSink wraps next with guard.
func NewOnceSink(next Sink, guard Guard, logger *slog.Logger) *OnceSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnceSink{next: next, guard: guard, logger: logger}
}

func (s *OnceSink) PurchaseCompleted(ctx context.Context, e Event) error {
	ok, err := s.guard.Claim(ctx, "completed:"+e.PurchaseID)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.DebugContext(ctx, "completion notification already sent",
			slog.String("purchase_id", e.PurchaseID))
		return nil
	}
	return s.next.PurchaseCompleted(ctx, e)
}

func (s *OnceSink) PurchaseReverted(ctx context.Context, e Event) error {
	ok, err := s.guard.Claim(ctx, "reverted:"+e.PurchaseID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.next.PurchaseReverted(ctx, e)
}
