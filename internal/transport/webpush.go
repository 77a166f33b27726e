package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/db"
)

// WebPushSender delivers to browser subscriptions over the Web Push
// protocol with VAPID authentication.
type WebPushSender struct {
	config WebPushConfig
	logger *zap.Logger
}

type WebPushConfig struct {
	Subscriber      string // mailto: contact for the push service
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             int
}

func NewWebPushSender(cfg WebPushConfig, logger *zap.Logger) (*WebPushSender, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, fmt.Errorf("web push sender requires VAPID keys")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 3600
	}
	return &WebPushSender{
		config: cfg,
		logger: logger,
	}, nil
}

// Send posts the message to the browser's push endpoint. 404 and 410
// mean the subscription no longer exists and are reported as permanent.
func (s *WebPushSender) Send(ctx context.Context, sub *db.PushSubscription, msg *PushMessage) error {
	var stored webpush.Subscription
	if err := json.Unmarshal(sub.Subscription, &stored); err != nil {
		return &PermanentError{Reason: "malformed subscription document", Err: err}
	}
	if stored.Endpoint == "" {
		return &PermanentError{Reason: "subscription has no endpoint"}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &stored, &webpush.Options{
		Subscriber:      s.config.Subscriber,
		VAPIDPublicKey:  s.config.VAPIDPublicKey,
		VAPIDPrivateKey: s.config.VAPIDPrivateKey,
		TTL:             s.config.TTL,
	})
	if err != nil {
		return fmt.Errorf("web push send failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &PermanentError{Reason: fmt.Sprintf("push endpoint returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}

	s.logger.Debug("web push delivered",
		zap.String("recipient_id", sub.RecipientID.String()),
		zap.String("device_id", sub.DeviceID),
	)

	return nil
}

// SupportsPlatform reports whether this sender handles the platform
func (s *WebPushSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformWeb
}
