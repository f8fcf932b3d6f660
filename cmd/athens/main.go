// Athens — Environment, Health and Safety Platform
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	athensapi "github.com/athens-ehs/athens/internal/api"
	"github.com/athens-ehs/athens/internal/api/handler"
	"github.com/athens-ehs/athens/internal/api/middleware"
	"github.com/athens-ehs/athens/internal/config"
	"github.com/athens-ehs/athens/internal/db"
	"github.com/athens-ehs/athens/internal/health"
	"github.com/athens-ehs/athens/internal/notify"
	"github.com/athens-ehs/athens/internal/observability"
	"github.com/athens-ehs/athens/internal/seed"
	"github.com/athens-ehs/athens/internal/tenantdb"
	"github.com/athens-ehs/athens/internal/version"
	"github.com/athens-ehs/athens/internal/webhook"
	"github.com/athens-ehs/athens/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability -------------------------------------------------------
	obs, log, err := observability.New(ctx, &observability.Config{
		ServiceName:    "athens",
		ServiceVersion: version.Version,
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(log)
	log.Info("starting athens", "version", version.Version, "commit", version.Commit, "db_driver", cfg.DB.Driver)

	// --- Control-plane database ----------------------------------------------
	// db.New opens the connection, runs migrations (AutoMigrate for SQLite,
	// golang-migrate for Postgres), and returns the GORM handle plus an
	// optional pgxpool (non-nil only for postgres, used by River).
	controlDB, pool, err := db.New(ctx, &cfg.DB)
	if err != nil {
		return fmt.Errorf("open control db: %w", err)
	}
	if pool != nil {
		defer pool.Close()
	}
	log.Info("control database ready", "driver", cfg.DB.Driver)

	// --- Tenant routing ------------------------------------------------------
	router, err := tenantdb.New(ctx, controlDB, &cfg.DB, log)
	if err != nil {
		return fmt.Errorf("build tenant router: %w", err)
	}

	// --- Seed superadmin -----------------------------------------------------
	if err := seed.EnsureSuperadmin(ctx, controlDB, seed.SuperadminOptions{
		Email:    cfg.App.SeedAdminEmail,
		Password: cfg.App.SeedAdminPassword,
	}, log); err != nil {
		return fmt.Errorf("seed superadmin: %w", err)
	}

	// --- Webhooks and worker queue -------------------------------------------
	// River migrations only run when Postgres is available.
	if pool != nil {
		if err := worker.MigrateRiver(ctx, pool); err != nil {
			return fmt.Errorf("river migrations: %w", err)
		}
		log.Info("river migrations applied")
	}

	dispatcher := webhook.New(log, cfg.Webhook.Timeout, cfg.Webhook.MaxAttempts, nil)
	wq, wc, err := worker.New(ctx, pool, cfg.DB.Driver, cfg.Worker.Concurrency, router, dispatcher, log)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if wc != nil {
		// Durable deliveries on postgres; inline goroutines otherwise.
		dispatcher.SetEnqueue(wc.EnqueueWebhookDelivery)
	}
	if err := wq.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wq.Stop(stopCtx); err != nil {
			log.Error("worker stop error", "err", err)
		}
	}()

	// --- Notifications -------------------------------------------------------
	hub := notify.NewHub(log)
	notifier := notify.NewService(log, hub)

	// --- Permit expiry sweeper -----------------------------------------------
	sweeper := worker.NewExpirySweeper(router, time.Minute, log)
	go sweeper.Run(ctx)

	// --- HTTP routes ---------------------------------------------------------
	limiters := athensapi.Limiters{
		TenantLookup:  middleware.NewKeyedLimiter(cfg.Limits.TenantLookupPerMin),
		Sync:          middleware.NewKeyedLimiter(cfg.Limits.SyncPerMin),
		Notifications: middleware.NewKeyedLimiter(cfg.Limits.NotificationsPerMin),
	}
	defer limiters.TenantLookup.Stop()
	defer limiters.Sync.Stop()
	defer limiters.Notifications.Stop()

	handlers := athensapi.Handlers{
		Health:       health.New(db.NewPinger(controlDB)),
		Auth:         handler.NewAuthHandler(controlDB, router, cfg.JWT.Secret, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL, log),
		ControlPlane: handler.NewControlPlaneHandler(controlDB, router, log),
		Project:      handler.NewProjectHandler(log),
		Permit:       handler.NewPermitHandler(dispatcher, notifier, log),
		Sync:         handler.NewSyncHandler(dispatcher, notifier, log),
		Notification: handler.NewNotificationHandler(hub, log),
		WebhookAdmin: handler.NewWebhookAdminHandler(dispatcher, log),
	}

	mux := http.NewServeMux()
	athensapi.RegisterRoutes(mux, handlers, limiters, cfg.JWT.Secret, router)
	// Prometheus metrics endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Start server --------------------------------------------------------
	log.Info("http server listening", "addr", srv.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}
