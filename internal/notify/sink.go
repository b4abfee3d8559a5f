// Package notify delivers best-effort side effects after a purchase changes
// state: LINE messages and rich menu switches. Callers log and drop errors.
package notify

import (
	"context"
	"errors"
)

// Event describes the purchase a notification is about.
type Event struct {
	PurchaseID  string
	UserID      string
	DiagnosisID string
	Provider    string
	Amount      int64
	Currency    string
}

// Sink receives purchase lifecycle notifications.
type Sink interface {
	// PurchaseCompleted runs after access has been granted.
	PurchaseCompleted(ctx context.Context, e Event) error
	// PurchaseReverted runs after a refund revoked access.
	PurchaseReverted(ctx context.Context, e Event) error
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) PurchaseCompleted(context.Context, Event) error { return nil }
func (NopSink) PurchaseReverted(context.Context, Event) error  { return nil }

// MultiSink calls every sink in order and joins their errors.
type MultiSink []Sink

func (m MultiSink) PurchaseCompleted(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.PurchaseCompleted(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) PurchaseReverted(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.PurchaseReverted(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
