package access

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// UpsertStats tracks cumulative outcomes of grant upserts.
// All operations are thread-safe using atomic counters.
type UpsertStats struct {
	inserted   int64
	upgraded   int64
	downgraded int64
	unchanged  int64
}

// NewUpsertStats creates a new UpsertStats instance.
func NewUpsertStats() *UpsertStats {
	return &UpsertStats{}
}

// Record counts one upsert outcome. A nil receiver is a no-op.
func (s *UpsertStats) Record(c Change) {
	if s == nil {
		return
	}
	switch c {
	case ChangeInserted:
		atomic.AddInt64(&s.inserted, 1)
	case ChangeUpgraded:
		atomic.AddInt64(&s.upgraded, 1)
	case ChangeDowngraded:
		atomic.AddInt64(&s.downgraded, 1)
	case ChangeUnchanged:
		atomic.AddInt64(&s.unchanged, 1)
	}
}

// Inserted returns the number of rows created.
func (s *UpsertStats) Inserted() int64 { return atomic.LoadInt64(&s.inserted) }

// Upgraded returns the number of rows whose level was raised.
func (s *UpsertStats) Upgraded() int64 { return atomic.LoadInt64(&s.upgraded) }

// Downgraded returns the number of refund revocations.
func (s *UpsertStats) Downgraded() int64 { return atomic.LoadInt64(&s.downgraded) }

// Unchanged returns the number of upserts that found the row already in place.
func (s *UpsertStats) Unchanged() int64 { return atomic.LoadInt64(&s.unchanged) }

// Writes returns the number of upserts that mutated a row.
func (s *UpsertStats) Writes() int64 {
	return s.Inserted() + s.Upgraded() + s.Downgraded()
}

// Reset resets all counters to zero.
func (s *UpsertStats) Reset() {
	atomic.StoreInt64(&s.inserted, 0)
	atomic.StoreInt64(&s.upgraded, 0)
	atomic.StoreInt64(&s.downgraded, 0)
	atomic.StoreInt64(&s.unchanged, 0)
}

// String returns a human-readable summary of the statistics.
func (s *UpsertStats) String() string {
	return fmt.Sprintf("inserted=%d upgraded=%d downgraded=%d unchanged=%d",
		s.Inserted(), s.Upgraded(), s.Downgraded(), s.Unchanged())
}

// LogSummary logs a summary of grant statistics at INFO level.
func (s *UpsertStats) LogSummary(logger *slog.Logger) {
	logger.Info("access grant statistics",
		"inserted", s.Inserted(),
		"upgraded", s.Upgraded(),
		"downgraded", s.Downgraded(),
		"unchanged", s.Unchanged(),
	)
}
