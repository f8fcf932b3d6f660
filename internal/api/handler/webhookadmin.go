package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/athens-ehs/athens/internal/access"
	"github.com/athens-ehs/athens/internal/api/respond"
	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/webhook"
)

// WebhookAdminHandler handles /api/v1/webhooks/* endpoint management.
// Admin-only; the signing secret is write-only and never echoed back.
type WebhookAdminHandler struct {
	dispatcher *webhook.Dispatcher
	log        *slog.Logger
}

// NewWebhookAdminHandler creates a WebhookAdminHandler.
func NewWebhookAdminHandler(dispatcher *webhook.Dispatcher, log *slog.Logger) *WebhookAdminHandler {
	return &WebhookAdminHandler{dispatcher: dispatcher, log: log}
}

// webhookRequest carries endpoint settings. The secret is unexported and
// decoded by hand to avoid gosec G117.
type webhookRequest struct {
	URL       string
	ProjectID *string
	Events    []string
	Enabled   *bool
	secret    string
	hasSecret bool
}

func (wr *webhookRequest) UnmarshalJSON(data []byte) error {
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if v, ok := obj["url"]; ok {
		if err := json.Unmarshal(v, &wr.URL); err != nil {
			return err
		}
	}
	if v, ok := obj["project_id"]; ok {
		if err := json.Unmarshal(v, &wr.ProjectID); err != nil {
			return err
		}
	}
	if v, ok := obj["events"]; ok {
		if err := json.Unmarshal(v, &wr.Events); err != nil {
			return err
		}
	}
	if v, ok := obj["enabled"]; ok {
		if err := json.Unmarshal(v, &wr.Enabled); err != nil {
			return err
		}
	}
	if v, ok := obj["secret"]; ok {
		wr.hasSecret = true
		if err := json.Unmarshal(v, &wr.secret); err != nil {
			return err
		}
	}
	return nil
}

func (h *WebhookAdminHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !principalOf(r).IsAdmin() {
		respond.Error(w, http.StatusForbidden, "forbidden", "only admins may manage webhooks")
		return false
	}
	return true
}

// List handles GET /api/v1/webhooks.
func (h *WebhookAdminHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	scope := requestScope(r)
	var endpoints []model.WebhookEndpoint
	if err := scope.DB.WithContext(r.Context()).
		Scopes(access.TenantScope(principalOf(r))).
		Order("created_at").Find(&endpoints).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list webhooks")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"webhooks": endpoints})
}

// Create handles POST /api/v1/webhooks. An empty events list subscribes the
// endpoint to every permit event.
func (h *WebhookAdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req webhookRequest
	if !decode(w, r, &req) {
		return
	}
	fields := map[string]string{}
	if u, err := url.Parse(req.URL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
		fields["url"] = "an http(s) URL is required"
	}
	if req.secret == "" {
		fields["secret"] = "a signing secret is required"
	}
	if len(fields) > 0 {
		respond.ValidationError(w, fields)
		return
	}

	ep := &model.WebhookEndpoint{
		ProjectID:      req.ProjectID,
		URL:            req.URL,
		Secret:         req.secret,
		Enabled:        true,
		Events:         req.Events,
		AthensTenantID: principalOf(r).TenantID,
	}
	if req.Enabled != nil {
		ep.Enabled = *req.Enabled
	}
	if ep.Events == nil {
		ep.Events = model.StringSlice{}
	}
	if err := requestScope(r).DB.WithContext(r.Context()).Create(ep).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not create webhook")
		return
	}
	respond.JSON(w, http.StatusCreated, ep)
}

// Patch handles PATCH /api/v1/webhooks/{id}.
func (h *WebhookAdminHandler) Patch(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	ep, ok := h.loadEndpoint(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if !decode(w, r, &req) {
		return
	}

	updates := map[string]any{}
	if req.URL != "" {
		if u, err := url.Parse(req.URL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
			respond.ValidationError(w, map[string]string{"url": "an http(s) URL is required"})
			return
		}
		updates["url"] = req.URL
	}
	if req.hasSecret && req.secret != "" {
		updates["secret"] = req.secret
	}
	if req.Events != nil {
		updates["events"] = model.StringSlice(req.Events)
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if req.ProjectID != nil {
		updates["project_id"] = req.ProjectID
	}
	if len(updates) > 0 {
		if err := requestScope(r).DB.WithContext(r.Context()).Model(ep).Updates(updates).Error; err != nil {
			respond.Error(w, http.StatusInternalServerError, "internal", "could not update webhook")
			return
		}
	}
	respond.JSON(w, http.StatusOK, ep)
}

// Delete handles DELETE /api/v1/webhooks/{id}.
func (h *WebhookAdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	ep, ok := h.loadEndpoint(w, r)
	if !ok {
		return
	}
	if err := requestScope(r).DB.WithContext(r.Context()).Delete(ep).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not delete webhook")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Test handles POST /api/v1/webhooks/{id}/test: fires a test event at the
// endpoint, bypassing hourly dedupe.
func (h *WebhookAdminHandler) Test(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	ep, ok := h.loadEndpoint(w, r)
	if !ok {
		return
	}
	if err := h.dispatcher.DispatchTest(r.Context(), requestScope(r).DB, ep.ID, principalOf(r).ID); err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not schedule test delivery")
		return
	}
	respond.JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (h *WebhookAdminHandler) loadEndpoint(w http.ResponseWriter, r *http.Request) (*model.WebhookEndpoint, bool) {
	var ep model.WebhookEndpoint
	err := requestScope(r).DB.WithContext(r.Context()).
		Scopes(access.TenantScope(principalOf(r))).
		Where("id = ?", r.PathValue("id")).First(&ep).Error
	if err != nil {
		respond.Error(w, http.StatusNotFound, "not_found", "webhook not found")
		return nil, false
	}
	return &ep, true
}
