package notify

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const testLineUser = "U0123456789abcdef0123456789abcdef"

type recordingSink struct {
	mu        sync.Mutex
	completed []Event
	reverted  []Event
	err       error
}

func (r *recordingSink) PurchaseCompleted(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, e)
	return r.err
}

func (r *recordingSink) PurchaseReverted(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverted = append(r.reverted, e)
	return r.err
}

type fakeMessenger struct {
	pushes    []string
	retryKeys []string
	menus     []string
	pushErr   error
	linkErr   error
}

func (f *fakeMessenger) Push(ctx context.Context, to, text, retryKey string) error {
	f.pushes = append(f.pushes, text)
	f.retryKeys = append(f.retryKeys, retryKey)
	return f.pushErr
}

func (f *fakeMessenger) LinkRichMenu(ctx context.Context, userID, richMenuID string) error {
	f.menus = append(f.menus, richMenuID)
	return f.linkErr
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	a := &recordingSink{err: errA}
	b := &recordingSink{}

	err := MultiSink{a, b}.PurchaseCompleted(context.Background(), Event{PurchaseID: "pur_1"})
	if !errors.Is(err, errA) {
		t.Errorf("expected joined error to contain errA, got %v", err)
	}
	if len(b.completed) != 1 {
		t.Error("a failing sink must not stop later sinks")
	}
}

func TestOnceSink_AtMostOnce(t *testing.T) {
	next := &recordingSink{}
	sink := NewOnceSink(next, NewMemoryGuard(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sink.PurchaseCompleted(ctx, Event{PurchaseID: "pur_1"})
		}()
	}
	wg.Wait()

	if len(next.completed) != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", len(next.completed))
	}

	_ = sink.PurchaseReverted(ctx, Event{PurchaseID: "pur_1"})
	if len(next.reverted) != 1 {
		t.Error("reverted is claimed separately from completed")
	}
}

type failingGuard struct{}

func (failingGuard) Claim(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis down")
}

func TestOnceSink_GuardFailureDrops(t *testing.T) {
	next := &recordingSink{}
	sink := NewOnceSink(next, failingGuard{}, nil)

	if err := sink.PurchaseCompleted(context.Background(), Event{PurchaseID: "pur_1"}); err == nil {
		t.Error("expected guard error")
	}
	if len(next.completed) != 0 {
		t.Error("notification must not be sent without a claim")
	}
}

type fakeSetNX struct {
	redis.Cmdable
	keys map[string]bool
	ttl  time.Duration
}

func (f *fakeSetNX) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.ttl = expiration
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func TestRedisGuard_Claim(t *testing.T) {
	client := &fakeSetNX{keys: map[string]bool{}}
	guard := NewRedisGuard(client, 0)
	ctx := context.Background()

	first, err := guard.Claim(ctx, "completed:pur_1")
	if err != nil || !first {
		t.Fatalf("first Claim() = %v, %v", first, err)
	}
	second, _ := guard.Claim(ctx, "completed:pur_1")
	if second {
		t.Error("second claim should fail")
	}
	if !client.keys["notify:completed:pur_1"] {
		t.Error("expected key to be prefixed")
	}
	if client.ttl != DefaultClaimTTL {
		t.Errorf("ttl = %v, want %v", client.ttl, DefaultClaimTTL)
	}
}

func TestLineSink_PurchaseCompleted(t *testing.T) {
	m := &fakeMessenger{}
	sink := NewLineSink(m, LineConfig{
		PremiumRichMenuID: "richmenu-premium",
		ResultURL:         "https://example.com/result.html",
	})

	err := sink.PurchaseCompleted(context.Background(), Event{PurchaseID: "pur_1", UserID: testLineUser, DiagnosisID: "D1"})
	if err != nil {
		t.Fatalf("PurchaseCompleted() error = %v", err)
	}
	if len(m.menus) != 1 || m.menus[0] != "richmenu-premium" {
		t.Errorf("menus = %v", m.menus)
	}
	if len(m.pushes) != 1 {
		t.Fatalf("expected 1 push, got %d", len(m.pushes))
	}
	lines := strings.Split(m.pushes[0], "\n")
	link, err := url.Parse(lines[len(lines)-1])
	if err != nil || link.Query().Get("id") != "D1" || link.Query().Get("userId") != testLineUser {
		t.Errorf("unexpected result link in %q", m.pushes[0])
	}
	if m.retryKeys[0] != retryKey("completed", "pur_1") {
		t.Error("retry key should be derived from the purchase")
	}
}

func TestLineSink_SkipsNonLineUsers(t *testing.T) {
	m := &fakeMessenger{}
	sink := NewLineSink(m, LineConfig{PremiumRichMenuID: "rm"})

	for _, user := range []string{"", "anonymous", "web-user-1"} {
		if err := sink.PurchaseCompleted(context.Background(), Event{PurchaseID: "pur_1", UserID: user}); err != nil {
			t.Errorf("user %q: unexpected error %v", user, err)
		}
	}
	if len(m.pushes) != 0 || len(m.menus) != 0 {
		t.Error("no LINE calls expected for non-line users")
	}
}

func TestLineSink_PushStillAttemptedWhenMenuFails(t *testing.T) {
	m := &fakeMessenger{linkErr: errors.New("menu not found")}
	sink := NewLineSink(m, LineConfig{PremiumRichMenuID: "rm"})

	err := sink.PurchaseCompleted(context.Background(), Event{PurchaseID: "pur_1", UserID: testLineUser})
	if err == nil {
		t.Error("expected menu error to be returned")
	}
	if len(m.pushes) != 1 {
		t.Error("push should still be attempted")
	}
}

func TestLineSink_PurchaseReverted(t *testing.T) {
	m := &fakeMessenger{}
	sink := NewLineSink(m, LineConfig{DefaultRichMenuID: "richmenu-default"})

	if err := sink.PurchaseReverted(context.Background(), Event{UserID: testLineUser}); err != nil {
		t.Fatalf("PurchaseReverted() error = %v", err)
	}
	if len(m.menus) != 1 || m.menus[0] != "richmenu-default" {
		t.Errorf("menus = %v", m.menus)
	}
}

func TestRetryKey_Stable(t *testing.T) {
	if retryKey("completed", "pur_1") != retryKey("completed", "pur_1") {
		t.Error("retry key must be deterministic")
	}
	if retryKey("completed", "pur_1") == retryKey("completed", "pur_2") {
		t.Error("retry key must differ per purchase")
	}
}
