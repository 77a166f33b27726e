package transport

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/clairon-app/clairon/internal/db"
)

// FCMSender delivers to Android and iOS devices through Firebase Cloud
// Messaging device tokens.
type FCMSender struct {
	client *messaging.Client
	logger *zap.Logger
}

type FCMConfig struct {
	CredentialsFile string
}

func NewFCMSender(ctx context.Context, cfg FCMConfig, logger *zap.Logger) (*FCMSender, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("fcm sender requires a credentials file")
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize fcm client: %w", err)
	}

	return &FCMSender{
		client: client,
		logger: logger,
	}, nil
}

// Send delivers via the device's FCM token. Unregistered tokens are
// permanent: the app was uninstalled or the token rotated.
func (s *FCMSender) Send(ctx context.Context, sub *db.PushSubscription, msg *PushMessage) error {
	if sub.DeviceToken == nil || *sub.DeviceToken == "" {
		return &PermanentError{Reason: "subscription has no device token"}
	}

	data := msg.Data
	if msg.URL != "" {
		if data == nil {
			data = map[string]string{}
		}
		data["url"] = msg.URL
	}

	_, err := s.client.Send(ctx, &messaging.Message{
		Token: *sub.DeviceToken,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
	})
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return &PermanentError{Reason: "fcm token rejected", Err: err}
		}
		return fmt.Errorf("fcm send failed: %w", err)
	}

	s.logger.Debug("fcm push delivered",
		zap.String("recipient_id", sub.RecipientID.String()),
		zap.String("platform", sub.Platform),
		zap.String("device_id", sub.DeviceID),
	)

	return nil
}

// SupportsPlatform reports whether this sender handles the platform
func (s *FCMSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformAndroid || platform == db.PlatformIOS
}
