package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"PORT", "LOG_LEVEL", "ENV",
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB",
		"DISPATCH_BATCH_SIZE", "WHATSAPP_BATCH_SIZE", "MAX_ATTEMPTS",
		"POLL_INTERVAL", "SEND_TIMEOUT", "INLINE_TIMEOUT",
		"CRON_SECRET", "RATE_LIMIT_PER_MIN",
		"VAPID_SUBSCRIBER", "VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY",
		"FCM_CREDENTIALS_FILE",
		"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_WHATSAPP_FROM",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.DispatchBatchSize != DefaultDispatchBatchSize {
		t.Errorf("DispatchBatchSize = %d", cfg.DispatchBatchSize)
	}
	if cfg.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.InlineTimeout != DefaultInlineTimeout {
		t.Errorf("InlineTimeout = %v", cfg.InlineTimeout)
	}

	if cfg.WebPushEnabled() || cfg.FCMEnabled() || cfg.WhatsAppEnabled() {
		t.Error("no transports should be enabled without credentials")
	}
	if cfg.CronSecret != "" {
		t.Error("CronSecret should default to empty")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_ATTEMPTS", "8")
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("CRON_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.MaxAttempts != 8 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.CronSecret != "s3cret" {
		t.Errorf("CronSecret = %q", cfg.CronSecret)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("invalid PORT should error")
	}

	clearEnv(t)
	t.Setenv("POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("invalid POLL_INTERVAL should error")
	}
}

func TestTransportToggles(t *testing.T) {
	cfg := &Config{}
	cfg.VAPIDPublicKey = "pub"
	if cfg.WebPushEnabled() {
		t.Error("web push needs both keys")
	}
	cfg.VAPIDPrivateKey = "priv"
	if !cfg.WebPushEnabled() {
		t.Error("web push should be enabled with both keys")
	}

	cfg.TwilioAccountSID = "AC1"
	cfg.TwilioAuthToken = "tok"
	if cfg.WhatsAppEnabled() {
		t.Error("whatsapp needs a from number too")
	}
	cfg.TwilioWhatsAppFrom = "+22670000000"
	if !cfg.WhatsAppEnabled() {
		t.Error("whatsapp should be enabled with full credentials")
	}
}
