package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Named defaults for the dispatch pipeline. Call sites read these
// through Config, never re-derive them.
const (
	DefaultDispatchBatchSize = 100
	DefaultWhatsAppBatchSize = 200
	DefaultMaxAttempts       = 5
	DefaultPollInterval      = 30 * time.Second
	DefaultSendTimeout       = 10 * time.Second
	DefaultInlineTimeout     = 2 * time.Second
	DefaultRateLimitPerMin   = 120
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Dispatch pipeline
	DispatchBatchSize int
	WhatsAppBatchSize int
	MaxAttempts       int
	PollInterval      time.Duration
	SendTimeout       time.Duration
	InlineTimeout     time.Duration

	// API
	CronSecret      string
	RateLimitPerMin int

	// Web push (VAPID)
	VAPIDSubscriber string
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	// Firebase Cloud Messaging
	FCMCredentialsFile string

	// Twilio WhatsApp
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioWhatsAppFrom string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "clairon",
		DBPassword: "",
		DBName:     "clairon",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		DispatchBatchSize: DefaultDispatchBatchSize,
		WhatsAppBatchSize: DefaultWhatsAppBatchSize,
		MaxAttempts:       DefaultMaxAttempts,
		PollInterval:      DefaultPollInterval,
		SendTimeout:       DefaultSendTimeout,
		InlineTimeout:     DefaultInlineTimeout,
		RateLimitPerMin:   DefaultRateLimitPerMin,

		VAPIDSubscriber: "mailto:ops@clairon.app",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Dispatch pipeline
	if size := os.Getenv("DISPATCH_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.DispatchBatchSize = n
	}

	if size := os.Getenv("WHATSAPP_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid WHATSAPP_BATCH_SIZE: %w", err)
		}
		cfg.WhatsAppBatchSize = n
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	if interval := os.Getenv("POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	if timeout := os.Getenv("INLINE_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid INLINE_TIMEOUT: %w", err)
		}
		cfg.InlineTimeout = d
	}

	// API
	cfg.CronSecret = os.Getenv("CRON_SECRET")

	if limit := os.Getenv("RATE_LIMIT_PER_MIN"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MIN: %w", err)
		}
		cfg.RateLimitPerMin = n
	}

	// Web push
	if sub := os.Getenv("VAPID_SUBSCRIBER"); sub != "" {
		cfg.VAPIDSubscriber = sub
	}
	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")

	// FCM
	cfg.FCMCredentialsFile = os.Getenv("FCM_CREDENTIALS_FILE")

	// Twilio
	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioWhatsAppFrom = os.Getenv("TWILIO_WHATSAPP_FROM")

	return cfg, nil
}

// WebPushEnabled reports whether VAPID keys are configured.
func (c *Config) WebPushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// FCMEnabled reports whether Firebase credentials are configured.
func (c *Config) FCMEnabled() bool {
	return c.FCMCredentialsFile != ""
}

// WhatsAppEnabled reports whether Twilio credentials are configured.
func (c *Config) WhatsAppEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioWhatsAppFrom != ""
}
