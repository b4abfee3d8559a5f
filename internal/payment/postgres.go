package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/otsukisama/internal/db"
	"github.com/onnwee/otsukisama/internal/tracing"
)

const purchaseColumns = `purchase_id, user_id, diagnosis_id, provider, amount, currency,
	status, metadata, created_at, completed_at, updated_at`

// PostgresPurchaseStore implements PurchaseStore on the purchases table.
type PostgresPurchaseStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresPurchaseStore creates a new PostgresPurchaseStore.
func NewPostgresPurchaseStore(conn *sql.DB, logger *slog.Logger) *PostgresPurchaseStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresPurchaseStore{db: conn, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*PurchaseRecord, error) {
	var (
		rec         PurchaseRecord
		provider    string
		status      string
		rawMeta     []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(&rec.PurchaseID, &rec.UserID, &rec.DiagnosisID, &provider, &rec.Amount, &rec.Currency,
		&status, &rawMeta, &rec.CreatedAt, &completedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Provider = Provider(provider)
	rec.Status = PurchaseStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode purchase metadata: %w", err)
		}
	}
	return &rec, nil
}

func encodeMetadata(md Metadata) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

// Create inserts a pending purchase.
func (s *PostgresPurchaseStore) Create(ctx context.Context, record *PurchaseRecord) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "purchases", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	meta, err := encodeMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode purchase metadata: %w", err)
	}
	status := record.Status
	if status == "" {
		status = StatusPending
	}

	query := `
		INSERT INTO purchases (purchase_id, user_id, diagnosis_id, provider, amount, currency, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		RETURNING created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query,
		record.PurchaseID, record.UserID, record.DiagnosisID, string(record.Provider),
		record.Amount, record.Currency, string(status), string(meta),
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicatePurchase
		}
		s.logger.Error("failed to insert purchase",
			slog.String("purchase_id", record.PurchaseID),
			slog.String("provider", string(record.Provider)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to insert purchase %s: %w", record.PurchaseID, err)
	}
	record.Status = status
	return nil
}

// GetByID retrieves a purchase by id.
func (s *PostgresPurchaseStore) GetByID(ctx context.Context, purchaseID string) (rec *PurchaseRecord, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "purchases", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE purchase_id = $1`, purchaseID)
	rec, err = scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase %s: %w", purchaseID, err)
	}
	return rec, nil
}

// FindByCorrelation uses the (provider, metadata->>'correlation_id') index.
func (s *PostgresPurchaseStore) FindByCorrelation(ctx context.Context, provider Provider, correlationID string) (rec *PurchaseRecord, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "purchases", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + purchaseColumns + ` FROM purchases
		WHERE provider = $1 AND metadata->>'correlation_id' = $2`
	rec, err = scanPurchase(s.db.QueryRowContext(ctx, query, string(provider), correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find purchase by correlation %s/%s: %w", provider, correlationID, err)
	}
	return rec, nil
}

// AttachCorrelation sets the correlation id of a pending purchase.
func (s *PostgresPurchaseStore) AttachCorrelation(ctx context.Context, purchaseID, correlationID string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "purchases", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE purchases
		SET metadata = metadata || jsonb_build_object('correlation_id', $2::text),
		    updated_at = NOW()
		WHERE purchase_id = $1 AND status = 'pending'
	`
	res, err := s.db.ExecContext(ctx, query, purchaseID, correlationID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicatePurchase
		}
		return fmt.Errorf("failed to attach correlation to purchase %s: %w", purchaseID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	current, err := s.GetByID(ctx, purchaseID)
	if err != nil {
		return err
	}
	if current.CorrelationID() == correlationID {
		return nil
	}
	return ErrPurchaseClosed
}

// MarkCompleted is a single conditional UPDATE; the RETURNING row tells the
// caller it won the pending -> completed race.
func (s *PostgresPurchaseStore) MarkCompleted(ctx context.Context, purchaseID string, details Metadata) (*PurchaseRecord, bool, error) {
	query := `
		UPDATE purchases
		SET status = 'completed',
		    completed_at = NOW(),
		    updated_at = NOW(),
		    metadata = metadata || $2::jsonb
		WHERE purchase_id = $1 AND status = 'pending'
		RETURNING ` + purchaseColumns

	rec, won, err := s.transition(ctx, purchaseID, query, details)
	if err != nil || won {
		return rec, won, err
	}
	switch rec.Status {
	case StatusCompleted:
		return rec, false, nil
	default:
		return rec, false, ErrPurchaseClosed
	}
}

// MarkTerminal moves pending to failed or canceled.
func (s *PostgresPurchaseStore) MarkTerminal(ctx context.Context, purchaseID string, status PurchaseStatus, details Metadata) (*PurchaseRecord, bool, error) {
	if status != StatusFailed && status != StatusCanceled {
		return nil, false, ErrInvalidTransition
	}
	query := `
		UPDATE purchases
		SET status = '` + string(status) + `',
		    updated_at = NOW(),
		    metadata = metadata || $2::jsonb
		WHERE purchase_id = $1 AND status = 'pending'
		RETURNING ` + purchaseColumns
	return s.transition(ctx, purchaseID, query, details)
}

// MarkRefunded moves completed to refunded.
func (s *PostgresPurchaseStore) MarkRefunded(ctx context.Context, purchaseID string, details Metadata) (*PurchaseRecord, bool, error) {
	query := `
		UPDATE purchases
		SET status = 'refunded',
		    updated_at = NOW(),
		    metadata = metadata || $2::jsonb
		WHERE purchase_id = $1 AND status = 'completed'
		RETURNING ` + purchaseColumns
	return s.transition(ctx, purchaseID, query, details)
}

// transition runs a conditional UPDATE ... RETURNING. When no row matched it
// returns the current record with won=false.
func (s *PostgresPurchaseStore) transition(ctx context.Context, purchaseID, query string, details Metadata) (rec *PurchaseRecord, won bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "purchases", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	meta, err := encodeMetadata(withoutCorrelation(details))
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode transition details: %w", err)
	}

	rec, err = scanPurchase(s.db.QueryRowContext(ctx, query, purchaseID, string(meta)))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Error("failed to update purchase status",
			slog.String("purchase_id", purchaseID),
			slog.String("error", err.Error()))
		return nil, false, fmt.Errorf("failed to update purchase %s: %w", purchaseID, err)
	}

	rec, err = s.GetByID(ctx, purchaseID)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// ListCompletedSince returns completed purchases, oldest completion first.
func (s *PostgresPurchaseStore) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*PurchaseRecord, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases
		WHERE status = 'completed' AND completed_at >= $1
		ORDER BY completed_at ASC
		LIMIT $2`
	return s.list(ctx, query, since, limit)
}

// ListStalePending returns pending purchases created before olderThan.
func (s *PostgresPurchaseStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*PurchaseRecord, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`
	return s.list(ctx, query, olderThan, limit)
}

func (s *PostgresPurchaseStore) list(ctx context.Context, query string, at time.Time, limit int) (out []*PurchaseRecord, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "purchases", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, at, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate purchases: %w", err)
	}
	return out, nil
}
