// Package access stores which users may read which diagnosis reports.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors for access grant operations.
var (
	ErrGrantNotFound = errors.New("access grant not found")
	ErrInvalidLevel  = errors.New("invalid access level")
)

// Level is how much of a resource a user may read.
type Level string

// Access levels, ordered none < preview < full.
const (
	LevelNone    Level = "none"
	LevelPreview Level = "preview"
	LevelFull    Level = "full"
)

func (l Level) rank() int {
	switch l {
	case LevelPreview:
		return 1
	case LevelFull:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether l grants everything other grants.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// ParseLevel validates a stored or requested level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelNone, LevelPreview, LevelFull:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// ResourceTypeDiagnosis is the resource type of a diagnosis report.
const ResourceTypeDiagnosis = "diagnosis"

// Grant is one row of access_rights.
type Grant struct {
	UserID       string     `json:"user_id"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Level        Level      `json:"access_level"`
	PurchaseID   string     `json:"purchase_id,omitempty"` // empty for manual grants
	ValidFrom    time.Time  `json:"valid_from"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"` // nil is perpetual
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EffectiveLevel is the level at now, taking the validity window into account.
func (g *Grant) EffectiveLevel(now time.Time) Level {
	if g == nil {
		return LevelNone
	}
	if now.Before(g.ValidFrom) {
		return LevelNone
	}
	if g.ValidUntil != nil && !now.Before(*g.ValidUntil) {
		return LevelNone
	}
	return g.Level
}

func (g *Grant) clone() *Grant {
	c := *g
	if g.ValidUntil != nil {
		t := *g.ValidUntil
		c.ValidUntil = &t
	}
	return &c
}

// Change describes what an upsert did to the stored row.
type Change string

const (
	ChangeInserted   Change = "inserted"
	ChangeUpgraded   Change = "upgraded"
	ChangeDowngraded Change = "downgraded"
	ChangeUnchanged  Change = "unchanged"
)

// Store persists access grants keyed by (user, resource type, resource id).
// Grant methods are upserts whose insert and update paths converge on the
// same row, and they never lower an existing level.
type Store interface {
	// GrantFull sets the level to full, perpetual from now. A row that is
	// already full and perpetual is left alone.
	GrantFull(ctx context.Context, userID, resourceID, purchaseID string) (Change, error)

	// GrantPreview creates a preview row, or raises none to preview.
	GrantPreview(ctx context.Context, userID, resourceID string) (Change, error)

	// Get returns ErrGrantNotFound when no row exists.
	Get(ctx context.Context, userID, resourceID string) (*Grant, error)

	// Revoke lowers full to preview when the row was granted by purchaseID.
	Revoke(ctx context.Context, userID, resourceID, purchaseID string) (Change, error)
}
