// Package auth issues and validates the signed context token carried on
// payment redirect URLs.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeRedirect is the typ claim of redirect context tokens.
const TokenTypeRedirect = "payment_redirect"

// RedirectTokenExpiry bounds how long after session creation a redirect
// landing can still be trusted to identify the purchase.
const RedirectTokenExpiry = 24 * time.Hour

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyPurchaseID is returned when a token is requested without a purchase id.
var ErrEmptyPurchaseID = errors.New("purchaseID cannot be empty")

// RedirectContext is what the redirect landing page needs to reconcile
// without server-side session state.
type RedirectContext struct {
	PurchaseID  string
	UserID      string
	DiagnosisID string
	Provider    string
}

// Claims represents the JWT claims of a redirect context token.
type Claims struct {
	jwt.RegisteredClaims
	DiagnosisID string `json:"did,omitempty"`
	UserID      string `json:"uid,omitempty"`
	Provider    string `json:"prv,omitempty"`
	Type        string `json:"typ"`
}

// JWTService handles redirect token operations.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	expiry         time.Duration
	now            func() time.Time
}

// NewJWTService creates a new JWTService with the given secret.
func NewJWTService(secret string) *JWTService {
	return NewJWTServiceWithRotation(secret, "")
}

// NewJWTServiceWithRotation creates a JWTService with dual-key support for zero-downtime rotation.
// Set previousSecret to empty string if no rotation is in progress.
func NewJWTServiceWithRotation(currentSecret, previousSecret string) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
		expiry:        RedirectTokenExpiry,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// Issue signs a redirect context. The purchase id is the token subject.
func (s *JWTService) Issue(rc RedirectContext) (string, error) {
	if rc.PurchaseID == "" {
		return "", ErrEmptyPurchaseID
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   rc.PurchaseID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		DiagnosisID: rc.DiagnosisID,
		UserID:      rc.UserID,
		Provider:    rc.Provider,
		Type:        TokenTypeRedirect,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// Verify parses and validates a redirect token.
// Tries currentSecret first, then previousSecret if available.
func (s *JWTService) Verify(tokenString string) (*RedirectContext, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err != nil && s.previousSecret != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		claims, err = s.parse(tokenString, s.previousSecret)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeRedirect || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &RedirectContext{
		PurchaseID:  claims.Subject,
		UserID:      claims.UserID,
		DiagnosisID: claims.DiagnosisID,
		Provider:    claims.Provider,
	}, nil
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
