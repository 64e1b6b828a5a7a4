package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-stream/internal/config"
	"github.com/example/ride-stream/internal/gateway"
	"github.com/example/ride-stream/internal/ingest"
	"github.com/example/ride-stream/internal/logging"
	"github.com/example/ride-stream/internal/payments"
	"github.com/example/ride-stream/internal/roster"
	"github.com/example/ride-stream/internal/storage"
	"github.com/example/ride-stream/internal/trips"
)

func main() {
	cfg, err := config.LoadGatewayConfig()
	logger := logging.NewLogger("gateway", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var ros roster.Roster
	if cfg.RedisAddr != "" {
		ros = roster.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ros = roster.NewMemory()
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	var pay payments.SessionCreator
	if cfg.StripeAPIKey != "" {
		pay = payments.NewStripeCreator(cfg.StripeAPIKey, cfg.PaymentCurrency, cfg.PaymentSuccessURL, cfg.PaymentCancelURL)
	} else {
		logger.Warn("no stripe key configured, issuing local payment sessions")
		pay = &payments.LocalCreator{Currency: cfg.PaymentCurrency}
	}

	svc := trips.NewService(store, trips.DefaultPricing(), cfg.DefaultSpeedMps, cfg.FareTTL)
	srv := gateway.NewServer(logger, ros, svc, pay, kafka, cfg.NearbyLimit)
	srv.WebhookSecret = cfg.StripeWebhookSecret

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("gateway listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_trips.sql"))
	if err != nil {
		logger.Error("migration read", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_trips.sql")
}
