// Package webhook delivers permit lifecycle events to tenant-registered
// HTTP endpoints with HMAC signing, hourly dedupe, and retry with backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/ptw"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

// backoffSchedule spaces retry attempts after the first failure.
var backoffSchedule = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// EnqueueFunc hands a pending delivery to a durable queue. When nil the
// dispatcher delivers inline on a goroutine.
type EnqueueFunc func(ctx context.Context, tenantID, deliveryID string) error

// Dispatcher fans permit events out to matching endpoints.
type Dispatcher struct {
	log         *slog.Logger
	client      *http.Client
	maxAttempts int
	enqueue     EnqueueFunc
}

// New builds a Dispatcher. timeout bounds each HTTP attempt; maxAttempts
// caps attempts per delivery (first try included).
func New(log *slog.Logger, timeout time.Duration, maxAttempts int, enqueue EnqueueFunc) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = len(backoffSchedule) + 1
	}
	return &Dispatcher{
		log:         log,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		enqueue:     enqueue,
	}
}

// SetEnqueue wires a durable queue after construction. The queue client
// itself needs the dispatcher for its delivery worker, so the enqueue side
// is attached once both exist. Call before serving traffic.
func (d *Dispatcher) SetEnqueue(enqueue EnqueueFunc) {
	d.enqueue = enqueue
}

// payload is the delivery body.
type payload struct {
	Event        string          `json:"event"`
	PermitID     string          `json:"permit_id"`
	PermitNumber string          `json:"permit_number"`
	TenantID     string          `json:"tenant_id"`
	ProjectID    string          `json:"project_id"`
	Status       string          `json:"status"`
	Actor        string          `json:"actor"`
	At           time.Time       `json:"at"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Dispatch fans events out to every enabled endpoint of the permit's
// tenant that subscribes to the event and matches the permit's project. A
// repeat of the same event for the same permit within the hour is dropped
// by the (webhook_id, dedupe_key) unique index.
func (d *Dispatcher) Dispatch(ctx context.Context, db *gorm.DB, events []ptw.Event) {
	for _, ev := range events {
		if err := d.dispatchOne(ctx, db, ev); err != nil {
			d.log.Error("webhook dispatch failed", "event", ev.Name, "permit_id", ev.Permit.ID, "error", err)
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, db *gorm.DB, ev ptw.Event) error {
	var endpoints []model.WebhookEndpoint
	if err := db.WithContext(ctx).
		Where("athens_tenant_id = ? AND enabled = ?", ev.Permit.AthensTenantID, true).
		Find(&endpoints).Error; err != nil {
		return fmt.Errorf("list webhook endpoints: %w", err)
	}

	dedupeKey := DedupeKey(ev.Name, ev.Permit.ID, time.Now().UTC())
	for _, ep := range endpoints {
		if !subscribed(ep.Events, ev.Name) {
			continue
		}
		if ep.ProjectID != nil && *ep.ProjectID != ev.Permit.ProjectID {
			continue
		}
		if err := d.schedule(ctx, db, ep, ev, dedupeKey); err != nil {
			d.log.Error("webhook schedule failed", "webhook_id", ep.ID, "event", ev.Name, "error", err)
		}
	}
	return nil
}

// DispatchTest fires a synthetic webhook_test event at one endpoint,
// bypassing subscription filters and dedupe. Used by the endpoint test
// operation.
func (d *Dispatcher) DispatchTest(ctx context.Context, db *gorm.DB, endpointID, actor string) error {
	var ep model.WebhookEndpoint
	if err := db.WithContext(ctx).Where("id = ?", endpointID).First(&ep).Error; err != nil {
		return fmt.Errorf("load webhook endpoint: %w", err)
	}
	ev := ptw.Event{
		Name:  ptw.EventTest,
		Actor: actor,
		Permit: model.Permit{
			ID:             "test",
			PermitNumber:   "PTW-TEST",
			AthensTenantID: ep.AthensTenantID,
		},
	}
	// A fresh key per test fire keeps test deliveries out of dedupe.
	return d.schedule(ctx, db, ep, ev, "test:"+uuid.New().String())
}

func (d *Dispatcher) schedule(ctx context.Context, db *gorm.DB, ep model.WebhookEndpoint, ev ptw.Event, dedupeKey string) error {
	body, err := json.Marshal(payload{
		Event:        ev.Name,
		PermitID:     ev.Permit.ID,
		PermitNumber: ev.Permit.PermitNumber,
		TenantID:     ev.Permit.AthensTenantID,
		ProjectID:    ev.Permit.ProjectID,
		Status:       ev.Permit.Status,
		Actor:        ev.Actor,
		At:           time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	entry := &model.WebhookDeliveryLog{
		WebhookID:      ep.ID,
		DedupeKey:      dedupeKey,
		Event:          ev.Name,
		PermitID:       ev.Permit.ID,
		Payload:        model.JSON(body),
		AthensTenantID: ep.AthensTenantID,
	}
	if err := db.WithContext(ctx).Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			d.log.Debug("webhook delivery deduped", "webhook_id", ep.ID, "dedupe_key", dedupeKey)
			return nil
		}
		return fmt.Errorf("record webhook delivery: %w", err)
	}

	if d.enqueue != nil {
		return d.enqueue(ctx, ep.AthensTenantID, entry.ID)
	}
	go d.DeliverWithRetries(context.WithoutCancel(ctx), db, entry.ID)
	return nil
}

// DeliverWithRetries attempts a delivery until success, permanent failure,
// or the attempt budget runs out, sleeping the backoff schedule between
// attempts. Used in inline mode; the durable queue calls Deliver per
// attempt instead.
func (d *Dispatcher) DeliverWithRetries(ctx context.Context, db *gorm.DB, deliveryID string) {
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(backoffSchedule) {
				idx = len(backoffSchedule) - 1
			}
			select {
			case <-time.After(backoffSchedule[idx]):
			case <-ctx.Done():
				return
			}
		}
		done, err := d.Deliver(ctx, db, deliveryID)
		if done {
			return
		}
		if err != nil {
			d.log.Warn("webhook delivery attempt failed", "delivery_id", deliveryID, "attempt", attempt+1, "error", err)
		}
	}
	d.markFailed(ctx, db, deliveryID)
}

// Deliver performs a single delivery attempt and updates the delivery log.
// It reports done=true when the delivery succeeded or is permanently
// settled, done=false when another attempt should follow.
func (d *Dispatcher) Deliver(ctx context.Context, db *gorm.DB, deliveryID string) (done bool, err error) {
	var entry model.WebhookDeliveryLog
	if err := db.WithContext(ctx).Where("id = ?", deliveryID).First(&entry).Error; err != nil {
		return true, fmt.Errorf("load delivery: %w", err)
	}
	if entry.Success || entry.Failed {
		return true, nil
	}
	var ep model.WebhookEndpoint
	if err := db.WithContext(ctx).Where("id = ?", entry.WebhookID).First(&ep).Error; err != nil {
		return true, fmt.Errorf("load endpoint: %w", err)
	}

	code, sendErr := d.send(ctx, &ep, &entry)
	now := time.Now()
	updates := map[string]any{
		"retry_count": entry.RetryCount + 1,
		"sent_at":     now,
	}
	if code != 0 {
		updates["response_code"] = code
	}
	success := sendErr == nil && code >= 200 && code < 300
	if success {
		updates["success"] = true
		updates["error"] = ""
	} else if sendErr != nil {
		updates["error"] = sendErr.Error()
	} else {
		updates["error"] = fmt.Sprintf("endpoint returned status %d", code)
	}
	if err := db.WithContext(ctx).Model(&model.WebhookDeliveryLog{}).
		Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("update delivery log: %w", err)
	}
	if err := db.WithContext(ctx).Model(&model.WebhookEndpoint{}).
		Where("id = ?", ep.ID).Update("last_status", code).Error; err != nil {
		d.log.Warn("update endpoint status failed", "webhook_id", ep.ID, "error", err)
	}

	if success {
		return true, nil
	}
	if entry.RetryCount+1 >= d.maxAttempts {
		d.markFailed(ctx, db, entry.ID)
		return true, fmt.Errorf("delivery permanently failed after %d attempts", entry.RetryCount+1)
	}
	if sendErr != nil {
		return false, sendErr
	}
	return false, fmt.Errorf("endpoint returned status %d", code)
}

func (d *Dispatcher) send(ctx context.Context, ep *model.WebhookEndpoint, entry *model.WebhookDeliveryLog) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(entry.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, entry.Event)
	req.Header.Set(HeaderDelivery, entry.ID)
	req.Header.Set(HeaderSignature, Sign(ep.Secret, entry.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, db *gorm.DB, deliveryID string) {
	if err := db.WithContext(ctx).Model(&model.WebhookDeliveryLog{}).
		Where("id = ? AND success = ?", deliveryID, false).
		Update("failed", true).Error; err != nil {
		d.log.Error("mark delivery failed", "delivery_id", deliveryID, "error", err)
	}
}

// Sign computes the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "hmac-sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header against a payload. Exposed for
// endpoint implementors and tests.
func Verify(secret, header string, body []byte) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// DedupeKey buckets an event per permit per hour.
func DedupeKey(event, permitID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", event, permitID, at.Format("2006010215"))
}

// subscribed reports whether an endpoint wants an event. An empty list
// subscribes to everything.
func subscribed(events []string, name string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == name {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
