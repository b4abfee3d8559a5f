package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/otsukisama/internal/access"
	"github.com/onnwee/otsukisama/internal/catalog"
)

// GrantReader reads access grants.
type GrantReader interface {
	Get(ctx context.Context, userID, resourceID string) (*access.Grant, error)
}

// AccessHandlers serves access level and price lookups for the report page.
type AccessHandlers struct {
	grants  GrantReader
	catalog catalog.Catalog
	now     func() time.Time
}

// NewAccessHandlers creates a new AccessHandlers instance.
func NewAccessHandlers(grants GrantReader, cat catalog.Catalog) *AccessHandlers {
	return &AccessHandlers{grants: grants, catalog: cat, now: time.Now}
}

// AccessResponse reports what a user may see of a diagnosis.
type AccessResponse struct {
	DiagnosisID string `json:"diagnosisId"`
	UserID      string `json:"userId"`
	AccessLevel string `json:"accessLevel"`
	HasFull     bool   `json:"hasFullAccess"`
	PurchaseID  string `json:"purchaseId,omitempty"`
	ValidUntil  string `json:"validUntil,omitempty"`
}

// GetAccess returns the effective access level.
// GET /api/access/{diagnosisId}?userId=
func (h *AccessHandlers) GetAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	diagnosisID := r.PathValue("diagnosisId")
	userID := r.URL.Query().Get("userId")
	if diagnosisID == "" || userID == "" {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "diagnosisId and userId are required")
		return
	}
	if !validIDs(w, r, [2]string{"diagnosisId", diagnosisID}, [2]string{"userId", userID}) {
		return
	}
	ctx = withUser(w, ctx, userID)

	resp := AccessResponse{DiagnosisID: diagnosisID, UserID: userID, AccessLevel: string(access.LevelNone)}

	grant, err := h.grants.Get(ctx, userID, diagnosisID)
	switch {
	case errors.Is(err, access.ErrGrantNotFound):
	case err != nil:
		slog.ErrorContext(ctx, "failed to read access grant", "diagnosis_id", diagnosisID, "error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, msgUnavailable)
		return
	default:
		level := grant.EffectiveLevel(h.now())
		resp.AccessLevel = string(level)
		resp.HasFull = level == access.LevelFull
		resp.PurchaseID = grant.PurchaseID
		if grant.ValidUntil != nil {
			resp.ValidUntil = grant.ValidUntil.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}

// ProductResponse is the price shown before checkout.
type ProductResponse struct {
	DiagnosisID string `json:"diagnosisId"`
	ProductID   string `json:"productId"`
	Name        string `json:"name"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
}

// GetProduct returns the catalog item for a diagnosis.
// GET /api/products/{diagnosisId}
func (h *AccessHandlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	diagnosisID := r.PathValue("diagnosisId")
	if !validIDs(w, r, [2]string{"diagnosisId", diagnosisID}) {
		return
	}

	item, err := h.catalog.Lookup(ctx, diagnosisID)
	if err != nil {
		if errors.Is(err, catalog.ErrDiagnosisNotFound) {
			writeCodedError(w, r, http.StatusNotFound, ErrCodeNotFound, "診断が見つかりません。")
			return
		}
		slog.ErrorContext(ctx, "catalog lookup failed", "diagnosis_id", diagnosisID, "error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, msgUnavailable)
		return
	}
	writeJSON(w, ctx, http.StatusOK, ProductResponse{
		DiagnosisID: item.DiagnosisID,
		ProductID:   item.ProductID,
		Name:        item.Name,
		Price:       item.Price,
		Currency:    item.Currency,
	})
}
