// Package archive stores raw provider payloads in R2/S3 so a purchase can be
// reconciled by hand from exactly what the gateway sent.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Payload kinds.
const (
	KindWebhook      = "webhook"
	KindGatewayError = "gateway_error"
)

// DefaultMaxBytes caps a single archived body.
const DefaultMaxBytes = 1 << 20

// ErrPayloadTooLarge is returned for bodies over the configured limit.
var ErrPayloadTooLarge = errors.New("payload exceeds archive limit")

// Payload is one raw body to archive.
type Payload struct {
	Kind        string
	Provider    string
	Reference   string // purchase id, event id or correlation id
	ContentType string
	Body        []byte
}

// Archiver persists raw payloads and returns the object key.
type Archiver interface {
	Archive(ctx context.Context, p Payload) (string, error)
}

// NopArchiver drops payloads.
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, Payload) (string, error) { return "", nil }

// ObjectPutter is the subset of *s3.Client used here.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds configuration for the S3 archiver.
type Config struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string // default "auto" for R2
	Prefix          string
	MaxBytes        int
}

// S3Archiver writes payloads to an S3-compatible bucket.
type S3Archiver struct {
	client   ObjectPutter
	bucket   string
	prefix   string
	maxBytes int
	timeNow  func() time.Time
	logger   *slog.Logger
}

// NewS3Archiver creates an archiver backed by an R2-compatible S3 client.
func NewS3Archiver(cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return NewS3ArchiverWithClient(s3.New(opts), cfg, logger)
}

// NewS3ArchiverWithClient uses an existing client.
func NewS3ArchiverWithClient(client ObjectPutter, cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client:   client,
		bucket:   cfg.BucketName,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		maxBytes: cfg.MaxBytes,
		timeNow:  time.Now,
		logger:   logger,
	}, nil
}

// ObjectKey builds <prefix>/<kind>/<provider>/<yyyy>/<mm>/<dd>/<reference>-<uuid>.json.
func (a *S3Archiver) ObjectKey(p Payload) string {
	now := a.timeNow().UTC()
	ref := sanitize(p.Reference)
	if ref == "" {
		ref = "unknown"
	}
	parts := []string{
		p.Kind,
		sanitize(p.Provider),
		now.Format("2006/01/02"),
		fmt.Sprintf("%s-%s.json", ref, uuid.New().String()),
	}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// Archive uploads the payload.
func (a *S3Archiver) Archive(ctx context.Context, p Payload) (string, error) {
	if len(p.Body) > a.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Body))
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	key := a.ObjectKey(p)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(p.Body),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"provider":  p.Provider,
			"kind":      p.Kind,
			"reference": p.Reference,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s payload %s: %w", p.Kind, p.Reference, err)
	}
	a.logger.DebugContext(ctx, "archived payload", slog.String("key", key), slog.Int("bytes", len(p.Body)))
	return key, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
