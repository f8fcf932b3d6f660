package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/ptw"
	"github.com/athens-ehs/athens/internal/tenantdb"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	file := filepath.Join(t.TempDir(), "tenant.db")
	gdb, err := gorm.Open(sqlite.Open(file), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(tenantdb.TenantModels...))
	return gdb
}

func testEvent(tenantID string) ptw.Event {
	return ptw.Event{
		Name:  ptw.EventSubmitted,
		Actor: "user-1",
		Permit: model.Permit{
			ID:             "permit-1",
			PermitNumber:   "PTW-2026-0001",
			ProjectID:      "project-1",
			Status:         model.PermitSubmitted,
			AthensTenantID: tenantID,
		},
	}
}

func TestDispatchSignsAndDelivers(t *testing.T) {
	db := newTestDB(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var hits atomic.Int32
	var gotSig, gotEvent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig.Store(Verify("s3cret", r.Header.Get(HeaderSignature), body))
		gotEvent.Store(r.Header.Get(HeaderEvent))
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := model.WebhookEndpoint{
		URL:            srv.URL,
		Secret:         "s3cret",
		Enabled:        true,
		Events:         model.StringSlice{ptw.EventSubmitted},
		AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&ep).Error)

	d := New(log, 2*time.Second, 1, nil)
	d.Dispatch(context.Background(), db, []ptw.Event{testEvent("tenant-1")})

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, true, gotSig.Load())
	assert.Equal(t, ptw.EventSubmitted, gotEvent.Load())

	var entry model.WebhookDeliveryLog
	require.Eventually(t, func() bool {
		if err := db.Where("webhook_id = ?", ep.ID).First(&entry).Error; err != nil {
			return false
		}
		return entry.Success
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, entry.RetryCount)
	require.NotNil(t, entry.ResponseCode)
	assert.Equal(t, http.StatusOK, *entry.ResponseCode)
}

func TestDispatchDedupesWithinHour(t *testing.T) {
	db := newTestDB(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := model.WebhookEndpoint{
		URL:            srv.URL,
		Secret:         "s3cret",
		Enabled:        true,
		AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&ep).Error)

	d := New(log, 2*time.Second, 1, nil)
	ev := testEvent("tenant-1")
	d.Dispatch(context.Background(), db, []ptw.Event{ev})
	d.Dispatch(context.Background(), db, []ptw.Event{ev})

	require.Eventually(t, func() bool { return hits.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())

	var count int64
	require.NoError(t, db.Model(&model.WebhookDeliveryLog{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDispatchFilters(t *testing.T) {
	db := newTestDB(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	otherProject := "project-9"
	endpoints := []model.WebhookEndpoint{
		{URL: srv.URL, Secret: "a", Enabled: false, AthensTenantID: "tenant-1"},
		{URL: srv.URL, Secret: "b", Enabled: true, Events: model.StringSlice{ptw.EventApproved}, AthensTenantID: "tenant-1"},
		{URL: srv.URL, Secret: "c", Enabled: true, ProjectID: &otherProject, AthensTenantID: "tenant-1"},
		{URL: srv.URL, Secret: "d", Enabled: true, AthensTenantID: "tenant-2"},
	}
	for i := range endpoints {
		require.NoError(t, db.Create(&endpoints[i]).Error)
	}

	d := New(log, 2*time.Second, 1, nil)
	d.Dispatch(context.Background(), db, []ptw.Event{testEvent("tenant-1")})

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, hits.Load())
}

func TestDeliverRetriesThenFails(t *testing.T) {
	db := newTestDB(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep := model.WebhookEndpoint{
		URL:            srv.URL,
		Secret:         "s3cret",
		Enabled:        true,
		AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&ep).Error)
	entry := model.WebhookDeliveryLog{
		WebhookID:      ep.ID,
		DedupeKey:      "manual",
		Event:          ptw.EventSubmitted,
		PermitID:       "permit-1",
		Payload:        model.JSON(`{"event":"permit.submitted"}`),
		AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&entry).Error)

	d := New(log, 2*time.Second, 2, nil)

	done, err := d.Deliver(context.Background(), db, entry.ID)
	assert.False(t, done)
	assert.Error(t, err)

	done, err = d.Deliver(context.Background(), db, entry.ID)
	assert.True(t, done) // attempt budget exhausted
	assert.Error(t, err)

	var got model.WebhookDeliveryLog
	require.NoError(t, db.Where("id = ?", entry.ID).First(&got).Error)
	assert.True(t, got.Failed)
	assert.False(t, got.Success)
	assert.Equal(t, 2, got.RetryCount)

	// Settled deliveries are not re-attempted.
	done, err = d.Deliver(context.Background(), db, entry.ID)
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestEnqueueModeDefersDelivery(t *testing.T) {
	db := newTestDB(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var queued []string
	d := New(log, time.Second, 1, func(_ context.Context, tenantID, deliveryID string) error {
		queued = append(queued, tenantID+"/"+deliveryID)
		return nil
	})

	ep := model.WebhookEndpoint{
		URL:            "http://unreachable.invalid",
		Secret:         "s3cret",
		Enabled:        true,
		AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&ep).Error)

	d.Dispatch(context.Background(), db, []ptw.Event{testEvent("tenant-1")})
	require.Len(t, queued, 1)

	var entry model.WebhookDeliveryLog
	require.NoError(t, db.Where("webhook_id = ?", ep.ID).First(&entry).Error)
	assert.False(t, entry.Success)
	assert.Zero(t, entry.RetryCount)
}
