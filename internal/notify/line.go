package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// Messenger is the subset of the LINE Messaging API the sink needs.
type Messenger interface {
	Push(ctx context.Context, to, text, retryKey string) error
	LinkRichMenu(ctx context.Context, userID, richMenuID string) error
}

// LineMessenger adapts the line-bot-sdk client to Messenger.
type LineMessenger struct {
	api *messaging_api.MessagingApiAPI
}

// NewLineMessenger creates a client for the channel access token.
// endpoint overrides the API host when non-empty.
func NewLineMessenger(channelToken, endpoint string) (*LineMessenger, error) {
	if channelToken == "" {
		return nil, errors.New("line channel access token is required")
	}
	var opts []messaging_api.MessagingApiAPIOption
	if endpoint != "" {
		opts = append(opts, messaging_api.WithEndpoint(endpoint))
	}
	api, err := messaging_api.NewMessagingApiAPI(channelToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create line client: %w", err)
	}
	return &LineMessenger{api: api}, nil
}

// Push sends one text message. The retry key makes LINE drop duplicate pushes.
func (m *LineMessenger) Push(ctx context.Context, to, text, retryKey string) error {
	_, err := m.api.WithContext(ctx).PushMessage(&messaging_api.PushMessageRequest{
		To: to,
		Messages: []messaging_api.MessageInterface{
			messaging_api.TextMessage{Text: text},
		},
	}, retryKey)
	if err != nil {
		return fmt.Errorf("failed to push line message: %w", err)
	}
	return nil
}

// LinkRichMenu sets the user's rich menu.
func (m *LineMessenger) LinkRichMenu(ctx context.Context, userID, richMenuID string) error {
	if _, err := m.api.WithContext(ctx).LinkRichMenuIdToUser(userID, richMenuID); err != nil {
		return fmt.Errorf("failed to link rich menu %s: %w", richMenuID, err)
	}
	return nil
}

// LineConfig configures LineSink.
type LineConfig struct {
	PremiumRichMenuID string
	DefaultRichMenuID string
	// ResultURL is the report page; the diagnosis and user ids are appended as query parameters.
	ResultURL string
	Logger    *slog.Logger
}

var lineUserID = regexp.MustCompile(`^U[0-9a-f]{32}$`)

// LineSink pushes a thank-you message and switches the purchaser's rich menu.
// Users without a LINE id (anonymous web purchases) are skipped.
type LineSink struct {
	messenger Messenger
	cfg       LineConfig
	logger    *slog.Logger
}

// NewLineSink creates a LineSink.
func NewLineSink(messenger Messenger, cfg LineConfig) *LineSink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LineSink{messenger: messenger, cfg: cfg, logger: logger}
}

// PurchaseCompleted links the premium menu, then pushes the report link.
func (s *LineSink) PurchaseCompleted(ctx context.Context, e Event) error {
	if !lineUserID.MatchString(e.UserID) {
		s.logger.DebugContext(ctx, "skipping line notification for non-line user",
			slog.String("purchase_id", e.PurchaseID))
		return nil
	}

	var errs []error
	if s.cfg.PremiumRichMenuID != "" {
		if err := s.messenger.LinkRichMenu(ctx, e.UserID, s.cfg.PremiumRichMenuID); err != nil {
			errs = append(errs, err)
		}
	}
	text := "ご購入ありがとうございます！\nおつきさま診断の完全版をご覧いただけるようになりました。"
	if link := s.resultLink(e); link != "" {
		text += "\n" + link
	}
	if err := s.messenger.Push(ctx, e.UserID, text, retryKey("completed", e.PurchaseID)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PurchaseReverted restores the default rich menu.
func (s *LineSink) PurchaseReverted(ctx context.Context, e Event) error {
	if !lineUserID.MatchString(e.UserID) || s.cfg.DefaultRichMenuID == "" {
		return nil
	}
	return s.messenger.LinkRichMenu(ctx, e.UserID, s.cfg.DefaultRichMenuID)
}

func (s *LineSink) resultLink(e Event) string {
	if s.cfg.ResultURL == "" {
		return ""
	}
	u, err := url.Parse(s.cfg.ResultURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("id", e.DiagnosisID)
	q.Set("userId", e.UserID)
	u.RawQuery = q.Encode()
	return u.String()
}

// retryKey derives a stable UUID so LINE deduplicates retried pushes.
func retryKey(kind, purchaseID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("otsukisama:"+kind+":"+purchaseID)).String()
}
