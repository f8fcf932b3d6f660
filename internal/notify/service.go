package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/ptw"
	"gorm.io/gorm"
)

// Notification type values.
const (
	TypeApproval  = "approval"
	TypeWorkflow  = "workflow"
	TypeInduction = "induction"
	TypeGeneral   = "general"
)

// Service creates notification rows and pushes them to live connections.
type Service struct {
	log *slog.Logger
	hub *Hub
}

// NewService builds a Service. hub may be nil in contexts without
// websocket delivery (background workers, tests).
func NewService(log *slog.Logger, hub *Hub) *Service {
	return &Service{log: log, hub: hub}
}

// Input describes one notification to fan out.
type Input struct {
	SenderID string
	Title    string
	Message  string
	Type     string
	Link     string
	Data     model.JSON
}

// Notify writes one notification row per recipient and pushes to each
// recipient's live connection. Recipients whose preferences opt out of the
// notification type are skipped.
func (s *Service) Notify(ctx context.Context, db *gorm.DB, tenantID string, recipients []string, in Input) error {
	for _, recipient := range recipients {
		ok, err := s.wants(ctx, db, recipient, in.Type)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n := &model.Notification{
			RecipientID:    recipient,
			Title:          in.Title,
			Message:        in.Message,
			Type:           in.Type,
			Link:           in.Link,
			Data:           in.Data,
			AthensTenantID: tenantID,
		}
		if in.SenderID != "" {
			sender := in.SenderID
			n.SenderID = &sender
		}
		if err := db.WithContext(ctx).Create(n).Error; err != nil {
			return fmt.Errorf("create notification: %w", err)
		}
		if s.hub != nil {
			s.hub.Push(recipient, n)
		}
	}
	return nil
}

// wants checks the recipient's preference for a notification type. Missing
// preference rows default to opted in.
func (s *Service) wants(ctx context.Context, db *gorm.DB, userID, notifType string) (bool, error) {
	var pref model.NotificationPreference
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load notification preference: %w", err)
	}
	switch notifType {
	case TypeApproval, TypeWorkflow:
		return pref.Approval, nil
	default:
		return pref.Push, nil
	}
}

// NotifyPermitEvents routes permit lifecycle events to the users who act
// next or need to know the outcome.
func (s *Service) NotifyPermitEvents(ctx context.Context, db *gorm.DB, events []ptw.Event) {
	for _, ev := range events {
		recipients, in := permitEventMessage(ev)
		if len(recipients) == 0 {
			continue
		}
		if err := s.Notify(ctx, db, ev.Permit.AthensTenantID, recipients, in); err != nil {
			s.log.Error("permit notification failed", "event", ev.Name, "permit_id", ev.Permit.ID, "error", err)
		}
	}
}

func permitEventMessage(ev ptw.Event) ([]string, Input) {
	p := ev.Permit
	link := "/ptw/permits/" + p.ID
	switch ev.Name {
	case ptw.EventVerified:
		if p.ApproverID == nil {
			return nil, Input{}
		}
		return []string{*p.ApproverID}, Input{
			SenderID: ev.Actor,
			Title:    "Permit awaiting approval",
			Message:  fmt.Sprintf("Permit %s has been verified and awaits your approval.", p.PermitNumber),
			Type:     TypeApproval,
			Link:     link,
		}
	case ptw.EventApproved:
		return []string{p.CreatedByID}, Input{
			SenderID: ev.Actor,
			Title:    "Permit approved",
			Message:  fmt.Sprintf("Permit %s has been approved.", p.PermitNumber),
			Type:     TypeWorkflow,
			Link:     link,
		}
	case ptw.EventRejected:
		return []string{p.CreatedByID}, Input{
			SenderID: ev.Actor,
			Title:    "Permit rejected",
			Message:  fmt.Sprintf("Permit %s has been rejected.", p.PermitNumber),
			Type:     TypeWorkflow,
			Link:     link,
		}
	case ptw.EventCompleted:
		return []string{p.CreatedByID}, Input{
			SenderID: ev.Actor,
			Title:    "Permit completed",
			Message:  fmt.Sprintf("Permit %s has been closed out.", p.PermitNumber),
			Type:     TypeWorkflow,
			Link:     link,
		}
	case ptw.EventSubmitted:
		if p.VerifierID == nil {
			return nil, Input{}
		}
		return []string{*p.VerifierID}, Input{
			SenderID: ev.Actor,
			Title:    "Permit awaiting verification",
			Message:  fmt.Sprintf("Permit %s has been submitted for verification.", p.PermitNumber),
			Type:     TypeApproval,
			Link:     link,
		}
	default:
		return nil, Input{}
	}
}

// inductionExempt reports whether a user is excluded from
// induction-completion notifications: platform and tenant administration
// roles and EPC safety staff do not take site inductions.
func inductionExempt(u *model.User) bool {
	switch u.UserType {
	case model.UserTypeSuperadmin, model.UserTypeMaster, model.UserTypeMasterAdmin, model.UserTypeProjectAdmin:
		return true
	}
	return u.AdminType == model.AdminTypeEPCUser
}

// NotifyInductionCompleted informs project admins that a worker finished
// their induction. Exempt roles never receive (or trigger) these.
func (s *Service) NotifyInductionCompleted(ctx context.Context, db *gorm.DB, tenantID, projectID, workerID string) error {
	var worker model.User
	if err := db.WithContext(ctx).Where("id = ?", workerID).First(&worker).Error; err != nil {
		return fmt.Errorf("load worker: %w", err)
	}
	if inductionExempt(&worker) {
		return nil
	}

	var admins []model.User
	if err := db.WithContext(ctx).
		Where("athens_tenant_id = ? AND user_type = ? AND project_id = ?",
			tenantID, model.UserTypeProjectAdmin, projectID).
		Find(&admins).Error; err != nil {
		return fmt.Errorf("list project admins: %w", err)
	}
	recipients := make([]string, 0, len(admins))
	for i := range admins {
		if inductionExempt(&admins[i]) {
			continue
		}
		recipients = append(recipients, admins[i].ID)
	}
	return s.Notify(ctx, db, tenantID, recipients, Input{
		SenderID: workerID,
		Title:    "Induction completed",
		Message:  fmt.Sprintf("%s completed their site induction.", worker.Name),
		Type:     TypeInduction,
	})
}

// List returns a page of the user's notifications, newest first.
func List(ctx context.Context, db *gorm.DB, tenantID, userID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := db.WithContext(ctx).
		Where("athens_tenant_id = ? AND recipient_id = ?", tenantID, userID).
		Order("created_at DESC").Limit(limit)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	var out []model.Notification
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// UnreadCount returns the user's number of unread notifications.
func UnreadCount(ctx context.Context, db *gorm.DB, tenantID, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&model.Notification{}).
		Where("athens_tenant_id = ? AND recipient_id = ? AND read = ?", tenantID, userID, false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// MarkRead marks the given notifications read for the user. Ids belonging
// to other users are ignored. Returns the number updated.
func MarkRead(ctx context.Context, db *gorm.DB, tenantID, userID string, ids []string) (int64, error) {
	now := time.Now()
	res := db.WithContext(ctx).Model(&model.Notification{}).
		Where("athens_tenant_id = ? AND recipient_id = ? AND id IN ? AND read = ?", tenantID, userID, ids, false).
		Updates(map[string]any{"read": true, "read_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("mark notifications read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkAllRead marks every unread notification read for the user.
func MarkAllRead(ctx context.Context, db *gorm.DB, tenantID, userID string) (int64, error) {
	now := time.Now()
	res := db.WithContext(ctx).Model(&model.Notification{}).
		Where("athens_tenant_id = ? AND recipient_id = ? AND read = ?", tenantID, userID, false).
		Updates(map[string]any{"read": true, "read_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", res.Error)
	}
	return res.RowsAffected, nil
}
