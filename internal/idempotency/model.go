// Package idempotency caches responses to session-creation requests so a
// client retrying with the same Idempotency-Key gets the original payment
// session instead of a second one.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to create a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// Record is a cached response keyed by route and client key.
type Record struct {
	Key          string    `json:"key"`
	Method       string    `json:"method"`
	Route        string    `json:"route"`
	CreatedAt    time.Time `json:"created_at"`
	ResponseHash string    `json:"response_hash"`
	ResponseBody string    `json:"response_body"`
	StatusCode   int       `json:"status_code"`
}

// ValidateKey checks if an idempotency key is valid.
// Returns ErrInvalidKey if the key is empty.
// Returns ErrKeyTooLong if the key exceeds MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// ComputeResponseHash computes a SHA256 hash of the response body.
func ComputeResponseHash(responseBody string) string {
	hash := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(hash[:])
}

// ScopedKey namespaces a client key by route so the same key sent to two
// endpoints does not collide.
func ScopedKey(route, key string) string {
	return route + "|" + key
}

// Repository persists cached responses.
type Repository interface {
	// Get returns ErrKeyNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (*Record, error)

	// Store returns ErrKeyExists if the key already exists.
	Store(ctx context.Context, record *Record) error

	// DeleteOlderThan removes records older than the duration.
	DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error)
}
