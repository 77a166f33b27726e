package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/db"
)

func TestIsPermanent(t *testing.T) {
	base := &PermanentError{Reason: "subscription expired"}

	if !IsPermanent(base) {
		t.Fatal("PermanentError itself should classify")
	}
	if !IsPermanent(fmt.Errorf("send to device: %w", base)) {
		t.Fatal("wrapped PermanentError should classify")
	}
	if IsPermanent(errors.New("503 from push service")) {
		t.Fatal("plain errors are transient")
	}
	if IsPermanent(nil) {
		t.Fatal("nil is not permanent")
	}
}

func TestPermanentError_Message(t *testing.T) {
	e := &PermanentError{Reason: "push endpoint returned 410", Err: errors.New("gone")}
	if got := e.Error(); got != "permanent delivery failure (push endpoint returned 410): gone" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(e, e.Err) {
		t.Fatal("Unwrap should expose the cause")
	}
}

type platformSender struct {
	platform string
	sent     int
}

func (s *platformSender) Send(ctx context.Context, sub *db.PushSubscription, msg *PushMessage) error {
	s.sent++
	return nil
}

func (s *platformSender) SupportsPlatform(platform string) bool {
	return platform == s.platform
}

func TestMultiSender_RoutesByPlatform(t *testing.T) {
	web := &platformSender{platform: db.PlatformWeb}
	fcm := &platformSender{platform: db.PlatformAndroid}
	multi := NewMultiSender(web, fcm)

	msg := &PushMessage{Title: "t", Body: "b"}
	if err := multi.Send(context.Background(), &db.PushSubscription{Platform: db.PlatformWeb}, msg); err != nil {
		t.Fatalf("web send: %v", err)
	}
	if err := multi.Send(context.Background(), &db.PushSubscription{Platform: db.PlatformAndroid}, msg); err != nil {
		t.Fatalf("android send: %v", err)
	}

	if web.sent != 1 || fcm.sent != 1 {
		t.Fatalf("sends = web %d, fcm %d", web.sent, fcm.sent)
	}

	if err := multi.Send(context.Background(), &db.PushSubscription{Platform: db.PlatformIOS}, msg); err == nil {
		t.Fatal("unconfigured platform should error")
	}
	if !multi.SupportsPlatform(db.PlatformWeb) || multi.SupportsPlatform(db.PlatformIOS) {
		t.Fatal("SupportsPlatform should mirror the registered senders")
	}
}

func TestWhatsAppAddress(t *testing.T) {
	if got := WhatsAppAddress("+22670000001"); got != "whatsapp:+22670000001" {
		t.Fatalf("WhatsAppAddress = %q", got)
	}
	if got := WhatsAppAddress("whatsapp:+22670000001"); got != "whatsapp:+22670000001" {
		t.Fatalf("already prefixed number changed: %q", got)
	}
}

func TestNewWhatsAppSender_RequiresCredentials(t *testing.T) {
	if _, err := NewWhatsAppSender(WhatsAppConfig{AccountSID: "AC1"}, nil); err == nil {
		t.Fatal("partial credentials should be rejected")
	}
}

func TestWhatsAppSender_CanceledContextShortCircuits(t *testing.T) {
	sender, err := NewWhatsAppSender(WhatsAppConfig{
		AccountSID: "AC_test",
		AuthToken:  "token",
		FromNumber: "+22670000000",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A dead context must return before any provider round trip; a
	// network error here would mean the request was attempted anyway.
	if _, err := sender.Send(ctx, "+22670000001", "corps"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send with canceled context = %v, want context.Canceled", err)
	}
}
