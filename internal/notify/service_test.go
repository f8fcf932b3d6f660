package notify

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

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

func newService() *Service {
	return NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestNotifyHonoursPreferences(t *testing.T) {
	db := newTestDB(t)
	s := newService()
	ctx := context.Background()

	optedOut := model.NotificationPreference{
		UserID:         "user-optout",
		Push:           true,
		Approval:       false,
		AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&optedOut).Error)

	err := s.Notify(ctx, db, "tenant-1", []string{"user-optout", "user-default"}, Input{
		Title:   "Permit awaiting approval",
		Message: "Permit PTW-2026-0001 awaits your approval.",
		Type:    TypeApproval,
	})
	require.NoError(t, err)

	var rows []model.Notification
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "user-default", rows[0].RecipientID)
	assert.False(t, rows[0].Read)
}

func TestNotifyPermitEvents(t *testing.T) {
	db := newTestDB(t)
	s := newService()
	approver := "approver-1"

	s.NotifyPermitEvents(context.Background(), db, []ptw.Event{{
		Name:  ptw.EventVerified,
		Actor: "verifier-1",
		Permit: model.Permit{
			ID:             "permit-1",
			PermitNumber:   "PTW-2026-0001",
			CreatedByID:    "creator-1",
			ApproverID:     &approver,
			AthensTenantID: "tenant-1",
		},
	}})

	var rows []model.Notification
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, approver, rows[0].RecipientID)
	assert.Equal(t, TypeApproval, rows[0].Type)
	assert.Contains(t, rows[0].Message, "PTW-2026-0001")
}

func TestInductionExemptRoles(t *testing.T) {
	db := newTestDB(t)
	s := newService()
	ctx := context.Background()

	project := "project-1"
	admin := model.User{
		Username: "padmin", Email: "padmin@example.com",
		UserType: model.UserTypeProjectAdmin, ProjectID: &project,
		AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&admin).Error)
	worker := model.User{
		Username: "worker", Email: "worker@example.com", Name: "Pat Worker",
		UserType: model.UserTypeWorker, ProjectID: &project,
		AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&worker).Error)
	safety := model.User{
		Username: "safety", Email: "safety@example.com",
		UserType: model.UserTypeAdminUser, AdminType: model.AdminTypeEPCUser,
		ProjectID: &project, AthensTenantID: "tenant-1",
	}
	require.NoError(t, db.Create(&safety).Error)

	// A worker's completion notifies the project admin.
	require.NoError(t, s.NotifyInductionCompleted(ctx, db, "tenant-1", project, worker.ID))
	var count int64
	require.NoError(t, db.Model(&model.Notification{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// An exempt actor triggers nothing.
	require.NoError(t, s.NotifyInductionCompleted(ctx, db, "tenant-1", project, safety.ID))
	require.NoError(t, db.Model(&model.Notification{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMarkRead(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mine := model.Notification{RecipientID: "user-1", Title: "a", Message: "m", AthensTenantID: "tenant-1"}
	theirs := model.Notification{RecipientID: "user-2", Title: "b", Message: "m", AthensTenantID: "tenant-1"}
	require.NoError(t, db.Create(&mine).Error)
	require.NoError(t, db.Create(&theirs).Error)

	n, err := MarkRead(ctx, db, "tenant-1", "user-1", []string{mine.ID, theirs.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var got model.Notification
	require.NoError(t, db.Where("id = ?", theirs.ID).First(&got).Error)
	assert.False(t, got.Read)

	unread, err := List(ctx, db, "tenant-1", "user-1", true, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)
}
