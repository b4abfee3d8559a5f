package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	if params.Body != nil {
		f.body, _ = io.ReadAll(params.Body)
	}
	return &s3.PutObjectOutput{}, f.err
}

func newTestArchiver(t *testing.T, putter *fakePutter, cfg Config) *S3Archiver {
	t.Helper()
	if cfg.BucketName == "" {
		cfg.BucketName = "payments-archive"
	}
	a, err := NewS3ArchiverWithClient(putter, cfg, nil)
	if err != nil {
		t.Fatalf("NewS3ArchiverWithClient() error = %v", err)
	}
	a.timeNow = func() time.Time { return time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestS3Archiver_Archive(t *testing.T) {
	putter := &fakePutter{}
	a := newTestArchiver(t, putter, Config{Prefix: "/raw/"})

	body := []byte(`{"state":"COMPLETED"}`)
	key, err := a.Archive(context.Background(), Payload{
		Kind:      KindWebhook,
		Provider:  "paypay",
		Reference: "diag_D1_1700000000000",
		Body:      body,
	})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.HasPrefix(key, "raw/webhook/paypay/2025/03/09/diag_D1_1700000000000-") {
		t.Errorf("unexpected key %q", key)
	}
	if aws.ToString(putter.input.Bucket) != "payments-archive" {
		t.Errorf("bucket = %s", aws.ToString(putter.input.Bucket))
	}
	if aws.ToString(putter.input.ContentType) != "application/json" {
		t.Errorf("content type = %s", aws.ToString(putter.input.ContentType))
	}
	if string(putter.body) != string(body) {
		t.Errorf("body = %s", putter.body)
	}
	if putter.input.Metadata["provider"] != "paypay" {
		t.Errorf("metadata = %v", putter.input.Metadata)
	}
}

func TestS3Archiver_TooLarge(t *testing.T) {
	putter := &fakePutter{}
	a := newTestArchiver(t, putter, Config{MaxBytes: 4})

	_, err := a.Archive(context.Background(), Payload{Kind: KindWebhook, Body: []byte("12345")})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
	if putter.input != nil {
		t.Error("nothing should be uploaded")
	}
}

func TestS3Archiver_PutError(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	a := newTestArchiver(t, putter, Config{})

	if _, err := a.Archive(context.Background(), Payload{Kind: KindGatewayError, Reference: "pur_1"}); err == nil {
		t.Error("expected error")
	}
}

func TestObjectKey_Sanitizes(t *testing.T) {
	a := newTestArchiver(t, &fakePutter{}, Config{})
	key := a.ObjectKey(Payload{Kind: KindWebhook, Provider: "payjp", Reference: "../evil id"})
	if strings.Contains(key, "..") || strings.Contains(key, " ") {
		t.Errorf("key not sanitized: %q", key)
	}
}

func TestNewS3Archiver_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing access key", Config{BucketName: "b", SecretAccessKey: "s"}},
		{"missing secret", Config{BucketName: "b", AccessKeyID: "a"}},
		{"missing bucket", Config{AccessKeyID: "a", SecretAccessKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewS3Archiver(tt.cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
