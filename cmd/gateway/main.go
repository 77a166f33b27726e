package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/api"
	"github.com/clairon-app/clairon/internal/circuitbreaker"
	"github.com/clairon-app/clairon/internal/config"
	"github.com/clairon-app/clairon/internal/db"
	"github.com/clairon-app/clairon/internal/dispatch"
	"github.com/clairon-app/clairon/internal/enqueue"
	"github.com/clairon-app/clairon/internal/metrics"
	"github.com/clairon-app/clairon/internal/observ"
	"github.com/clairon-app/clairon/internal/redis"
	"github.com/clairon-app/clairon/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting clairon gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Stores
	queueStore := db.NewQueueStore(database, logger)
	subStore := db.NewSubscriptionStore(database, logger)
	waStore := db.NewWhatsAppStore(database, logger)
	guardianStore := db.NewGuardianStore(database, logger)

	// Redis for rate limiting and the inline dispatch debounce
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and dispatch debounce disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMin,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}
	dispatchLock := redis.NewDispatchLock(redisClient, logger)

	// Push transports, each behind its own circuit breaker
	var senders []transport.DeviceSender

	if cfg.WebPushEnabled() {
		webSender, err := transport.NewWebPushSender(transport.WebPushConfig{
			Subscriber:      cfg.VAPIDSubscriber,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create web push sender: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("webpush"), logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(webSender, breaker, logger))
	}

	if cfg.FCMEnabled() {
		fcmSender, err := transport.NewFCMSender(ctx, transport.FCMConfig{
			CredentialsFile: cfg.FCMCredentialsFile,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create fcm sender: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("fcm"), logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(fcmSender, breaker, logger))
	}

	if len(senders) == 0 {
		return fmt.Errorf("no push transport configured: set VAPID or FCM credentials")
	}
	pushSender := transport.NewMultiSender(senders...)

	// WhatsApp channel is optional
	var waSender dispatch.WhatsAppSender
	var dispatchWAStore dispatch.WhatsAppStore
	if cfg.WhatsAppEnabled() {
		twilioSender, err := transport.NewWhatsAppSender(transport.WhatsAppConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioWhatsAppFrom,
			Timeout:    cfg.SendTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create whatsapp sender: %w", err)
		}
		waSender = twilioSender
		dispatchWAStore = waStore
	}

	logger.Info("initialized delivery channels",
		zap.Bool("webpush_enabled", cfg.WebPushEnabled()),
		zap.Bool("fcm_enabled", cfg.FCMEnabled()),
		zap.Bool("whatsapp_enabled", cfg.WhatsAppEnabled()),
	)

	dispatcher := dispatch.New(queueStore, subStore, dispatchWAStore, pushSender, waSender, dispatch.Config{
		BatchSize:         cfg.DispatchBatchSize,
		WhatsAppBatchSize: cfg.WhatsAppBatchSize,
		MaxAttempts:       cfg.MaxAttempts,
		PollInterval:      cfg.PollInterval,
		SendTimeout:       cfg.SendTimeout,
	}, logger)

	trigger := dispatch.NewTrigger(dispatcher, dispatchLock, cfg.InlineTimeout, logger)
	enqueuer := enqueue.New(queueStore, waStore, guardianStore, trigger, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go dispatcher.Start(workerCtx)
	go trigger.Start(workerCtx)

	logger.Info("background dispatcher started",
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("batch_size", cfg.DispatchBatchSize),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, enqueuer, dispatcher, subStore, queueStore)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.InstitutionKeyFunc))

			r.Post("/enqueue", handler.Enqueue)
			r.Post("/push/subscribe", handler.Subscribe)
			r.Get("/feed", handler.Feed)
			r.Patch("/feed/read", handler.MarkRead)
		})

		// Cron-only endpoints
		r.Group(func(r chi.Router) {
			r.Use(api.CronAuthMiddleware(cfg.CronSecret, logger))

			r.Post("/dispatch", handler.Dispatch)
			r.Post("/digests/absences", handler.AbsenceDigest)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
