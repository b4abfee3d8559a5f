// Package catalog resolves the price and display name of a diagnosis report.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/otsukisama/internal/tracing"
)

// ErrDiagnosisNotFound is returned when no diagnosis has the requested id.
var ErrDiagnosisNotFound = errors.New("diagnosis not found")

// Defaults used when the diagnosis type carries no price or cannot be read.
const (
	DefaultPrice     int64 = 2980
	DefaultCurrency        = "JPY"
	DefaultProductID       = "otsukisama_diagnosis"
	DefaultItemName        = "おつきさま診断 完全版"
)

// Item is the sellable unit for one diagnosis.
type Item struct {
	DiagnosisID string
	ProductID   string
	Name        string
	Description string
	Price       int64
	Currency    string
	// OwnerUserID is the user the diagnosis was generated for, if known.
	OwnerUserID string
	// Fallback is true when the defaults were used instead of stored data.
	Fallback bool
}

// Catalog looks up diagnosis items.
type Catalog interface {
	Lookup(ctx context.Context, diagnosisID string) (*Item, error)
}

// DefaultItem returns the item used when the catalog is unavailable.
func DefaultItem(diagnosisID string) *Item {
	return &Item{
		DiagnosisID: diagnosisID,
		ProductID:   DefaultProductID,
		Name:        DefaultItemName,
		Description: DefaultItemName + " - " + diagnosisID,
		Price:       DefaultPrice,
		Currency:    DefaultCurrency,
		Fallback:    true,
	}
}

// PostgresCatalog reads diagnoses joined with diagnosis_types.
type PostgresCatalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresCatalog creates a new PostgresCatalog.
func NewPostgresCatalog(conn *sql.DB, logger *slog.Logger) *PostgresCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCatalog{db: conn, logger: logger}
}

// Lookup returns the item for diagnosisID. A type without a price gets DefaultPrice.
func (c *PostgresCatalog) Lookup(ctx context.Context, diagnosisID string) (item *Item, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "diagnoses", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT d.id, COALESCE(d.user_id, ''), COALESCE(d.user_name, ''),
		       t.id, t.name, t.price
		FROM diagnoses d
		LEFT JOIN diagnosis_types t ON t.id = d.diagnosis_type_id
		WHERE d.id = $1
	`
	var (
		userID, userName string
		typeID, typeName sql.NullString
		price            sql.NullInt64
	)
	row := c.db.QueryRowContext(ctx, query, diagnosisID)
	item = &Item{Currency: DefaultCurrency}
	if err = row.Scan(&item.DiagnosisID, &userID, &userName, &typeID, &typeName, &price); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDiagnosisNotFound
		}
		return nil, fmt.Errorf("failed to look up diagnosis %s: %w", diagnosisID, err)
	}

	item.OwnerUserID = userID
	item.ProductID = DefaultProductID
	if typeID.Valid && typeID.String != "" {
		item.ProductID = typeID.String
	}
	item.Name = DefaultItemName
	if typeName.Valid && typeName.String != "" {
		item.Name = typeName.String
	}
	item.Price = DefaultPrice
	if price.Valid && price.Int64 > 0 {
		item.Price = price.Int64
	}
	item.Description = "おつきさま診断"
	if userName != "" {
		item.Description += " - " + userName + "様"
	}
	return item, nil
}

// FallbackCatalog degrades to DefaultItem when the wrapped catalog fails.
// Every fallback is logged so the price can be audited.
type FallbackCatalog struct {
	next   Catalog
	logger *slog.Logger
}

// WithFallback wraps next. A nil next always yields the default item.
func WithFallback(next Catalog, logger *slog.Logger) *FallbackCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackCatalog{next: next, logger: logger}
}

// Lookup never fails.
func (c *FallbackCatalog) Lookup(ctx context.Context, diagnosisID string) (*Item, error) {
	if c.next == nil {
		c.logger.WarnContext(ctx, "catalog not configured, using default item",
			slog.String("diagnosis_id", diagnosisID))
		return DefaultItem(diagnosisID), nil
	}
	item, err := c.next.Lookup(ctx, diagnosisID)
	if err != nil {
		c.logger.WarnContext(ctx, "catalog lookup failed, using default item",
			slog.String("diagnosis_id", diagnosisID),
			slog.Int64("price", DefaultPrice),
			slog.String("error", err.Error()))
		return DefaultItem(diagnosisID), nil
	}
	return item, nil
}

// StaticCatalog serves items from a map, for tests and local runs.
type StaticCatalog map[string]*Item

// Lookup returns a copy of the stored item.
func (c StaticCatalog) Lookup(ctx context.Context, diagnosisID string) (*Item, error) {
	item, ok := c[diagnosisID]
	if !ok {
		return nil, ErrDiagnosisNotFound
	}
	out := *item
	out.DiagnosisID = diagnosisID
	return &out, nil
}
