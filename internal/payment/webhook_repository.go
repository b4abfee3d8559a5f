package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/otsukisama/internal/db"
	"github.com/onnwee/otsukisama/internal/tracing"
)

// ErrEventAlreadyProcessed is returned when attempting to record a duplicate webhook event.
var ErrEventAlreadyProcessed = errors.New("webhook event already processed")

// WebhookEvent represents a processed webhook delivery.
type WebhookEvent struct {
	Provider    Provider
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// WebhookRepository tracks processed webhook events per provider.
type WebhookRepository interface {
	// RecordEvent records an event as processed.
	// Returns ErrEventAlreadyProcessed if the event was already recorded.
	RecordEvent(ctx context.Context, provider Provider, eventID, eventType string) error

	// HasProcessed checks if an event has already been processed.
	HasProcessed(ctx context.Context, provider Provider, eventID string) (bool, error)
}

// InMemoryWebhookRepository implements WebhookRepository with in-memory storage.
type InMemoryWebhookRepository struct {
	mu     sync.RWMutex
	events map[string]*WebhookEvent // provider + "\x00" + event id
}

// NewInMemoryWebhookRepository creates a new in-memory webhook repository.
func NewInMemoryWebhookRepository() *InMemoryWebhookRepository {
	return &InMemoryWebhookRepository{
		events: make(map[string]*WebhookEvent),
	}
}

// RecordEvent records a webhook event as processed.
func (r *InMemoryWebhookRepository) RecordEvent(ctx context.Context, provider Provider, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := correlationKey(provider, eventID)
	if _, exists := r.events[key]; exists {
		return ErrEventAlreadyProcessed
	}
	r.events[key] = &WebhookEvent{
		Provider:    provider,
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *InMemoryWebhookRepository) HasProcessed(ctx context.Context, provider Provider, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.events[correlationKey(provider, eventID)]
	return exists, nil
}

// PostgresWebhookRepository implements WebhookRepository on payment_webhook_events.
type PostgresWebhookRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresWebhookRepository creates a new PostgresWebhookRepository.
func NewPostgresWebhookRepository(conn *sql.DB, logger *slog.Logger) *PostgresWebhookRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWebhookRepository{db: conn, logger: logger}
}

// RecordEvent inserts the event; the primary key rejects duplicates.
func (r *PostgresWebhookRepository) RecordEvent(ctx context.Context, provider Provider, eventID, eventType string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_webhook_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO payment_webhook_events (provider, event_id, event_type) VALUES ($1, $2, $3)`,
		string(provider), eventID, eventType)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrEventAlreadyProcessed
		}
		r.logger.Error("failed to record webhook event",
			slog.String("provider", string(provider)),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to record webhook event %s/%s: %w", provider, eventID, err)
	}
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *PostgresWebhookRepository) HasProcessed(ctx context.Context, provider Provider, eventID string) (processed bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_webhook_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_webhook_events WHERE provider = $1 AND event_id = $2)`,
		string(provider), eventID).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event %s/%s: %w", provider, eventID, err)
	}
	return processed, nil
}
