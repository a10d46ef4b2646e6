package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/emberhq/ember/internal/billing"
	"github.com/emberhq/ember/internal/database"
	"github.com/emberhq/ember/internal/logging"
	"github.com/emberhq/ember/internal/push"
	"github.com/emberhq/ember/internal/server"
)

func main() {
	genKeys := flag.Bool("genkeys", false, "generate a VAPID key pair and exit")
	flag.Parse()

	if *genKeys {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate VAPID keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("EMBER_VAPID_PUBLIC_KEY=%s\nEMBER_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	logger := logging.Setup(os.Getenv("EMBER_LOG_LEVEL"), os.Getenv("EMBER_LOG_FORMAT"))

	port := envOr("EMBER_PORT", "8080")
	dbPath := envOr("EMBER_DB_PATH", "ember.db")

	db, err := database.Open(dbPath)
	if err != nil {
		logger.Error("open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := server.Config{
		CronSecret:  os.Getenv("EMBER_CRON_SECRET"),
		SendHour:    envOrInt("EMBER_SEND_HOUR", 9),
		BulkLimit:   envOrInt("EMBER_BULK_LIMIT", 8),
		WorkerCount: envOrInt("EMBER_WORKER_COUNT", 4),
		WorkerQueue: envOrInt("EMBER_WORKER_QUEUE", 256),
		Push: push.Config{
			VAPIDPublicKey:  os.Getenv("EMBER_VAPID_PUBLIC_KEY"),
			VAPIDPrivateKey: os.Getenv("EMBER_VAPID_PRIVATE_KEY"),
			Subscriber:      os.Getenv("EMBER_VAPID_SUBSCRIBER"),
		},
		Stripe: billing.Config{
			SecretKey:     os.Getenv("EMBER_STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("EMBER_STRIPE_WEBHOOK_SECRET"),
		},
		ResendAPIKey: os.Getenv("EMBER_RESEND_API_KEY"),
		FromEmail:    envOr("EMBER_FROM_EMAIL", "Ember <noreply@ember.app>"),
	}

	srv := server.New(db, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv.Workers().Start(ctx)
	srv.Cron().Start(ctx)

	// Hourly housekeeping: expired sessions and stale rate-limit windows.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := srv.SessionStore().DeleteExpired(); err != nil {
					logger.Error("delete expired sessions", "error", err)
				}
				srv.RateLimiter().Cleanup()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("ember listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	srv.Cron().Stop()
	srv.Workers().Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
