// Package worker bootstraps the River job queue and the background sweeps.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/athens-ehs/athens/internal/ptw"
	"github.com/athens-ehs/athens/internal/tenantdb"
	"github.com/athens-ehs/athens/internal/webhook"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// WebhookDeliveryArgs carries one pending webhook delivery.
type WebhookDeliveryArgs struct {
	TenantID   string `json:"tenant_id"`
	DeliveryID string `json:"delivery_id"`
}

// Kind returns the unique job type identifier for webhook delivery jobs.
func (WebhookDeliveryArgs) Kind() string { return "webhook_delivery" }

type webhookDeliveryWorker struct {
	river.WorkerDefaults[WebhookDeliveryArgs]
	router     *tenantdb.Router
	dispatcher *webhook.Dispatcher
	log        *slog.Logger
}

// Work performs a single delivery attempt. A retryable failure returns an
// error so River reschedules the job; settled deliveries complete.
func (w *webhookDeliveryWorker) Work(ctx context.Context, job *river.Job[WebhookDeliveryArgs]) error {
	db, err := w.router.Resolve(ctx, job.Args.TenantID)
	if err != nil {
		return fmt.Errorf("resolve tenant db: %w", err)
	}
	done, err := w.dispatcher.Deliver(ctx, db, job.Args.DeliveryID)
	if done {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("delivery %s not settled", job.Args.DeliveryID)
	}
	return err
}

// Queue is the interface exposed by both the real River client and noopQueue.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Client wraps river.Client and exposes a Start/Stop lifecycle plus job
// insertion for the webhook dispatcher.
type Client struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

// Start begins processing queued jobs.
func (c *Client) Start(ctx context.Context) error { return c.client.Start(ctx) }

// Stop gracefully shuts down the worker client.
func (c *Client) Stop(ctx context.Context) error { return c.client.Stop(ctx) }

// EnqueueWebhookDelivery inserts a delivery job. Satisfies
// webhook.EnqueueFunc.
func (c *Client) EnqueueWebhookDelivery(ctx context.Context, tenantID, deliveryID string) error {
	_, err := c.client.Insert(ctx, WebhookDeliveryArgs{TenantID: tenantID, DeliveryID: deliveryID}, nil)
	if err != nil {
		return fmt.Errorf("enqueue webhook delivery: %w", err)
	}
	return nil
}

// noopQueue is used when River is unavailable (e.g. DB_DRIVER=sqlite); the
// webhook dispatcher then delivers inline.
type noopQueue struct{ log *slog.Logger }

func (n *noopQueue) Start(_ context.Context) error {
	n.log.Info("worker queue disabled (sqlite driver — River requires postgres)")
	return nil
}
func (n *noopQueue) Stop(_ context.Context) error { return nil }

// New creates a queue implementation appropriate for the given driver.
//   - "postgres": returns a fully-functional River client backed by pool.
//   - anything else: returns a no-op queue that logs a startup notice.
//
// pool may be nil when driver != "postgres". The returned *Client is nil
// unless the driver is postgres; callers use it to wire the dispatcher's
// enqueue function.
func New(ctx context.Context, pool *pgxpool.Pool, driver string, concurrency int,
	router *tenantdb.Router, dispatcher *webhook.Dispatcher, log *slog.Logger) (Queue, *Client, error) {

	if driver != "postgres" {
		return &noopQueue{log: log}, nil, nil
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, &webhookDeliveryWorker{router: router, dispatcher: dispatcher, log: log})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: concurrency},
		},
		Workers: workers,
		Logger:  log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create river client: %w", err)
	}
	c := &Client{client: client, log: log}
	return c, c, nil
}

// MigrateRiver runs River's built-in schema migrations against the given pool.
// Only call this when DB_DRIVER=postgres.
func MigrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}

// ExpirySweeper walks every routable tenant on a fixed interval and expires
// permits whose planned window has passed.
type ExpirySweeper struct {
	router   *tenantdb.Router
	interval time.Duration
	log      *slog.Logger
}

// NewExpirySweeper builds a sweeper. Interval defaults to one minute.
func NewExpirySweeper(router *tenantdb.Router, interval time.Duration, log *slog.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{router: router, interval: interval, log: log}
}

// Run blocks until ctx is cancelled, sweeping on each tick.
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one expiry pass over all tenants.
func (s *ExpirySweeper) Sweep(ctx context.Context) {
	now := time.Now()
	for _, tenantID := range s.router.TenantIDs() {
		db, err := s.router.Resolve(ctx, tenantID)
		if err != nil {
			s.log.Error("expiry sweep: resolve tenant", "tenant_id", tenantID, "error", err)
			continue
		}
		n, err := ptw.ExpireOverdue(ctx, db, now)
		if err != nil {
			s.log.Error("expiry sweep failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if n > 0 {
			s.log.Info("permits expired", "tenant_id", tenantID, "count", n)
		}
	}
}
