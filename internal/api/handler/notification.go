package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/athens-ehs/athens/internal/api/respond"
	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/notify"
	"gorm.io/gorm"
)

// NotificationHandler handles /api/v1/notifications/* and the websocket
// feed.
type NotificationHandler struct {
	hub *notify.Hub
	log *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(hub *notify.Hub, log *slog.Logger) *NotificationHandler {
	return &NotificationHandler{hub: hub, log: log}
}

// List handles GET /api/v1/notifications?unread=true&limit=50.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	claims := scope.Claims

	unreadOnly := r.URL.Query().Get("unread") == "true"
	rows, err := notify.List(r.Context(), scope.DB, claims.TenantID, claims.UserID, unreadOnly, queryInt(r, "limit", 0))
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list notifications")
		return
	}
	unread, err := notify.UnreadCount(r.Context(), scope.DB, claims.TenantID, claims.UserID)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list notifications")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"notifications": rows, "unread_count": unread})
}

type markReadRequest struct {
	IDs []string `json:"ids"`
}

// MarkRead handles POST /api/v1/notifications/mark-read with {ids}.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		respond.ValidationError(w, map[string]string{"ids": "at least one notification id is required"})
		return
	}
	scope := requestScope(r)
	updated, err := notify.MarkRead(r.Context(), scope.DB, scope.Claims.TenantID, scope.Claims.UserID, req.IDs)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not mark notifications read")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// MarkAllRead handles POST /api/v1/notifications/mark-all-read.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	updated, err := notify.MarkAllRead(r.Context(), scope.DB, scope.Claims.TenantID, scope.Claims.UserID)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not mark notifications read")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// GetPreferences handles GET /api/v1/notifications/preferences. A missing
// row is reported as all-enabled, matching delivery behaviour.
func (h *NotificationHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	var pref model.NotificationPreference
	err := scope.DB.WithContext(r.Context()).
		Where("user_id = ?", scope.Claims.UserID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pref = model.NotificationPreference{
			UserID:         scope.Claims.UserID,
			Email:          true,
			Push:           true,
			Meeting:        true,
			Approval:       true,
			AthensTenantID: scope.Claims.TenantID,
		}
	} else if err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not load preferences")
		return
	}
	respond.JSON(w, http.StatusOK, pref)
}

type preferencesRequest struct {
	Email    *bool `json:"email"`
	Push     *bool `json:"push"`
	Meeting  *bool `json:"meeting"`
	Approval *bool `json:"approval"`
}

// PutPreferences handles PUT /api/v1/notifications/preferences: upserts the
// caller's opt-ins. Omitted fields keep their current value.
func (h *NotificationHandler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !decode(w, r, &req) {
		return
	}
	scope := requestScope(r)
	db := scope.DB.WithContext(r.Context())

	var pref model.NotificationPreference
	err := db.Where("user_id = ?", scope.Claims.UserID).First(&pref).Error
	created := false
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pref = model.NotificationPreference{
			UserID:         scope.Claims.UserID,
			Email:          true,
			Push:           true,
			Meeting:        true,
			Approval:       true,
			AthensTenantID: scope.Claims.TenantID,
		}
		created = true
	} else if err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not load preferences")
		return
	}

	if req.Email != nil {
		pref.Email = *req.Email
	}
	if req.Push != nil {
		pref.Push = *req.Push
	}
	if req.Meeting != nil {
		pref.Meeting = *req.Meeting
	}
	if req.Approval != nil {
		pref.Approval = *req.Approval
	}

	if created {
		err = db.Create(&pref).Error
	} else {
		err = db.Save(&pref).Error
	}
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not store preferences")
		return
	}
	respond.JSON(w, http.StatusOK, pref)
}

// ServeWS handles GET /api/v1/ws/notifications/{user_id}: upgrades to a
// websocket and streams the user's notifications. The path user must match
// the authenticated principal.
func (h *NotificationHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	userID := r.PathValue("user_id")
	if userID != scope.Claims.UserID {
		respond.Error(w, http.StatusForbidden, "forbidden", "websocket feed is limited to your own user")
		return
	}
	h.hub.ServeWS(w, r, userID)
}
