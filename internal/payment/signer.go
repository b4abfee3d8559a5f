package payment

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignedRequest holds the authorization material for one outbound request.
// It is used once and discarded.
type SignedRequest struct {
	Method        string
	Path          string
	Nonce         string
	Epoch         int64
	ContentType   string
	Digest        string
	Signature     string
	Authorization string
}

// Signer produces the Authorization header for a single gateway request.
type Signer interface {
	Sign(method, path string, body []byte) (*SignedRequest, error)
}

// opaAuthScheme is the scheme label PayPay expects in front of the header tuple.
const opaAuthScheme = "hmac OPA-Auth:"

// emptyDigest is sent as both content type and digest when there is no body.
const emptyDigest = "empty"

// PayPaySigner implements PayPay's OPA-Auth HMAC scheme.
type PayPaySigner struct {
	clientID string
	secret   string

	now   func() time.Time
	nonce func() string
}

// NewPayPaySigner creates a signer for the given API key and secret.
// Missing credentials fail fast so no unauthenticated request is ever built.
func NewPayPaySigner(clientID, secret string) (*PayPaySigner, error) {
	if clientID == "" {
		return nil, &ConfigurationError{Field: "PAYPAY_API_KEY"}
	}
	if secret == "" {
		return nil, &ConfigurationError{Field: "PAYPAY_API_SECRET"}
	}
	return &PayPaySigner{
		clientID: clientID,
		secret:   secret,
		now:      time.Now,
		nonce:    randomNonce,
	}, nil
}

// randomNonce returns 16 hex characters of fresh randomness.
func randomNonce() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}

// Sign computes the OPA-Auth header. A fresh nonce and epoch are generated on
// every call, including retries of an identical request.
func (s *PayPaySigner) Sign(method, path string, body []byte) (*SignedRequest, error) {
	if s == nil || s.clientID == "" || s.secret == "" {
		return nil, &ConfigurationError{Field: "PAYPAY_API_SECRET"}
	}

	nonce := s.nonce()
	epoch := s.now().Unix()

	contentType := emptyDigest
	digest := emptyDigest
	if len(body) > 0 {
		contentType = "application/json"
		h := md5.New()
		h.Write([]byte(contentType))
		h.Write(body)
		digest = base64.StdEncoding.EncodeToString(h.Sum(nil))
	}

	epochStr := strconv.FormatInt(epoch, 10)
	payload := strings.Join([]string{path, method, nonce, epochStr, contentType, digest}, "\n")

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	header := opaAuthScheme + strings.Join([]string{s.clientID, signature, nonce, epochStr, digest}, ":")

	return &SignedRequest{
		Method:        method,
		Path:          path,
		Nonce:         nonce,
		Epoch:         epoch,
		ContentType:   contentType,
		Digest:        digest,
		Signature:     signature,
		Authorization: header,
	}, nil
}

// BasicSigner authenticates with HTTP Basic using the secret key as user name,
// as PAY.JP does.
type BasicSigner struct {
	secretKey string
}

// NewBasicSigner creates a BasicSigner.
func NewBasicSigner(secretKey string) (*BasicSigner, error) {
	if secretKey == "" {
		return nil, &ConfigurationError{Field: "PAYJP_SECRET_KEY"}
	}
	return &BasicSigner{secretKey: secretKey}, nil
}

// Sign returns the Basic authorization header. The body is not covered.
func (s *BasicSigner) Sign(method, path string, _ []byte) (*SignedRequest, error) {
	if s == nil || s.secretKey == "" {
		return nil, &ConfigurationError{Field: "PAYJP_SECRET_KEY"}
	}
	token := base64.StdEncoding.EncodeToString([]byte(s.secretKey + ":"))
	return &SignedRequest{
		Method:        method,
		Path:          path,
		Authorization: "Basic " + token,
	}, nil
}
