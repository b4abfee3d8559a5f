package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/otsukisama/internal/tracing"
)

// PostgresStore implements Store on the access_rights table.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
	stats  *UpsertStats
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(conn *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: conn, logger: logger, stats: NewUpsertStats()}
}

// Stats returns the store's upsert counters.
func (s *PostgresStore) Stats() *UpsertStats {
	return s.stats
}

// GrantFull is a single INSERT ... ON CONFLICT. The DO UPDATE is filtered so
// a row that is already full and perpetual returns nothing and stays as is.
func (s *PostgresStore) GrantFull(ctx context.Context, userID, resourceID, purchaseID string) (change Change, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "access_rights", tracing.DBOperationUpsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO access_rights (user_id, resource_type, resource_id, access_level, purchase_id, valid_from, valid_until)
		VALUES ($1, $2, $3, 'full', $4, NOW(), NULL)
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE
		SET access_level = 'full',
		    purchase_id = EXCLUDED.purchase_id,
		    valid_from = EXCLUDED.valid_from,
		    valid_until = NULL,
		    updated_at = NOW()
		WHERE access_rights.access_level <> 'full' OR access_rights.valid_until IS NOT NULL
		RETURNING (xmax = 0) AS inserted
	`
	change, err = s.upsert(ctx, query, userID, ResourceTypeDiagnosis, resourceID, nullString(purchaseID))
	if err != nil {
		s.logger.Error("failed to grant full access",
			slog.String("user_id", userID),
			slog.String("resource_id", resourceID),
			slog.String("purchase_id", purchaseID),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("failed to grant full access to %s/%s: %w", userID, resourceID, err)
	}
	return change, nil
}

// GrantPreview inserts a preview row or raises none to preview.
func (s *PostgresStore) GrantPreview(ctx context.Context, userID, resourceID string) (change Change, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "access_rights", tracing.DBOperationUpsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO access_rights (user_id, resource_type, resource_id, access_level, valid_from)
		VALUES ($1, $2, $3, 'preview', NOW())
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE
		SET access_level = 'preview',
		    updated_at = NOW()
		WHERE access_rights.access_level = 'none'
		RETURNING (xmax = 0) AS inserted
	`
	change, err = s.upsert(ctx, query, userID, ResourceTypeDiagnosis, resourceID)
	if err != nil {
		return "", fmt.Errorf("failed to grant preview access to %s/%s: %w", userID, resourceID, err)
	}
	return change, nil
}

func (s *PostgresStore) upsert(ctx context.Context, query string, args ...any) (Change, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&inserted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.stats.Record(ChangeUnchanged)
		return ChangeUnchanged, nil
	case err != nil:
		return "", err
	case inserted:
		s.stats.Record(ChangeInserted)
		return ChangeInserted, nil
	default:
		s.stats.Record(ChangeUpgraded)
		return ChangeUpgraded, nil
	}
}

// Get retrieves a grant.
func (s *PostgresStore) Get(ctx context.Context, userID, resourceID string) (g *Grant, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "access_rights", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT user_id, resource_type, resource_id, access_level, purchase_id,
		       valid_from, valid_until, created_at, updated_at
		FROM access_rights
		WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3
	`
	var (
		grant      Grant
		level      string
		purchaseID sql.NullString
		validUntil sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, query, userID, ResourceTypeDiagnosis, resourceID).Scan(
		&grant.UserID, &grant.ResourceType, &grant.ResourceID, &level, &purchaseID,
		&grant.ValidFrom, &validUntil, &grant.CreatedAt, &grant.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access grant %s/%s: %w", userID, resourceID, err)
	}
	if grant.Level, err = ParseLevel(level); err != nil {
		return nil, err
	}
	grant.PurchaseID = purchaseID.String
	if validUntil.Valid {
		t := validUntil.Time
		grant.ValidUntil = &t
	}
	return &grant, nil
}

// Revoke lowers full to preview for rows granted by purchaseID.
func (s *PostgresStore) Revoke(ctx context.Context, userID, resourceID, purchaseID string) (change Change, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "access_rights", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE access_rights
		SET access_level = 'preview', updated_at = NOW()
		WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3
		  AND access_level = 'full' AND purchase_id = $4
	`
	res, err := s.db.ExecContext(ctx, query, userID, ResourceTypeDiagnosis, resourceID, purchaseID)
	if err != nil {
		return "", fmt.Errorf("failed to revoke access %s/%s: %w", userID, resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to read revoke result: %w", err)
	}
	if n == 0 {
		return ChangeUnchanged, nil
	}
	s.stats.Record(ChangeDowngraded)
	return ChangeDowngraded, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
