package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/athens-ehs/athens/internal/api/respond"
	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/observability"
	"github.com/athens-ehs/athens/internal/tenantdb"
	"gorm.io/gorm"
)

// ControlPlaneHandler handles /api/v1/control-plane/* routes. All
// mutations require a superadmin and append to the control audit log; any
// change to tenants or database configs reloads the routing cache.
type ControlPlaneHandler struct {
	control *gorm.DB
	router  *tenantdb.Router
	log     *slog.Logger
}

// NewControlPlaneHandler creates a ControlPlaneHandler.
func NewControlPlaneHandler(control *gorm.DB, router *tenantdb.Router, log *slog.Logger) *ControlPlaneHandler {
	return &ControlPlaneHandler{control: control, router: router, log: log}
}

func (h *ControlPlaneHandler) audit(r *http.Request, action, targetType, targetID string, detail any) {
	var raw model.JSON
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			raw = model.JSON(b)
		}
	}
	entry := &model.ControlAuditLog{
		ActorID:    requestScope(r).Claims.UserID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     raw,
	}
	if err := h.control.WithContext(r.Context()).Create(entry).Error; err != nil {
		h.log.Error("control audit write failed", "action", action, "error", err)
	}
}

type tenantRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

// CreateTenant handles POST /api/v1/control-plane/tenants.
func (h *ControlPlaneHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req) {
		return
	}
	req.Name = strings.ToLower(strings.TrimSpace(req.Name))
	if req.Name == "" {
		respond.ValidationError(w, map[string]string{"name": "a URL-safe slug is required"})
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Name
	}
	t := &model.TenantCompany{Name: req.Name, DisplayName: req.DisplayName}
	if err := h.control.WithContext(r.Context()).Create(t).Error; err != nil {
		respond.Error(w, http.StatusConflict, "conflict", "tenant slug already exists")
		return
	}
	h.audit(r, "tenant.create", "tenant", t.ID, req)
	h.reloadRouter(r)
	respond.JSON(w, http.StatusCreated, t)
}

// ListTenants handles GET /api/v1/control-plane/tenants.
func (h *ControlPlaneHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	var tenants []model.TenantCompany
	if err := h.control.WithContext(r.Context()).Order("created_at").Find(&tenants).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list tenants")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

// PatchTenant handles PATCH /api/v1/control-plane/tenants/{id}: display
// name and status (active/suspended/deleted) are mutable, the slug is not.
func (h *ControlPlaneHandler) PatchTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	var t model.TenantCompany
	if err := h.control.WithContext(r.Context()).Where("id = ?", id).First(&t).Error; err != nil {
		respond.Error(w, http.StatusNotFound, "tenant_not_found", "tenant does not exist")
		return
	}
	updates := map[string]any{}
	if req.DisplayName != "" {
		updates["display_name"] = req.DisplayName
	}
	if req.Status != "" {
		switch req.Status {
		case model.TenantActive, model.TenantSuspended, model.TenantDeleted:
			updates["status"] = req.Status
		default:
			respond.ValidationError(w, map[string]string{"status": "status must be active, suspended, or deleted"})
			return
		}
	}
	if len(updates) > 0 {
		if err := h.control.WithContext(r.Context()).Model(&t).Updates(updates).Error; err != nil {
			respond.Error(w, http.StatusInternalServerError, "internal", "could not update tenant")
			return
		}
		h.audit(r, "tenant.patch", "tenant", t.ID, updates)
		h.reloadRouter(r)
	}
	respond.JSON(w, http.StatusOK, t)
}

type dbConfigRequest struct {
	ConnectionKey string `json:"connection_key"`
}

// AttachDatabaseConfig handles POST
// /api/v1/control-plane/tenants/{id}/database-config. Upserts the routing
// key for the tenant.
func (h *ControlPlaneHandler) AttachDatabaseConfig(w http.ResponseWriter, r *http.Request) {
	var req dbConfigRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ConnectionKey == "" {
		respond.ValidationError(w, map[string]string{"connection_key": "a connection key is required"})
		return
	}
	tenantID := r.PathValue("id")
	var t model.TenantCompany
	if err := h.control.WithContext(r.Context()).Where("id = ?", tenantID).First(&t).Error; err != nil {
		respond.Error(w, http.StatusNotFound, "tenant_not_found", "tenant does not exist")
		return
	}

	var cfg model.TenantDatabaseConfig
	err := h.control.WithContext(r.Context()).Where("tenant_id = ?", tenantID).First(&cfg).Error
	if err == nil {
		if err := h.control.WithContext(r.Context()).Model(&cfg).
			Update("connection_key", req.ConnectionKey).Error; err != nil {
			respond.Error(w, http.StatusInternalServerError, "internal", "could not update database config")
			return
		}
	} else {
		cfg = model.TenantDatabaseConfig{TenantID: tenantID, ConnectionKey: req.ConnectionKey}
		if err := h.control.WithContext(r.Context()).Create(&cfg).Error; err != nil {
			respond.Error(w, http.StatusInternalServerError, "internal", "could not store database config")
			return
		}
	}
	h.audit(r, "tenant.db_config", "tenant", tenantID, req)
	h.reloadRouter(r)
	respond.JSON(w, http.StatusOK, cfg)
}

type invitationRequest struct {
	Email string `json:"email"`
}

// CreateInvitation handles POST
// /api/v1/control-plane/tenants/{id}/invitations.
func (h *ControlPlaneHandler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		respond.ValidationError(w, map[string]string{"email": "an email is required"})
		return
	}
	tenantID := r.PathValue("id")
	var t model.TenantCompany
	if err := h.control.WithContext(r.Context()).Where("id = ?", tenantID).First(&t).Error; err != nil {
		respond.Error(w, http.StatusNotFound, "tenant_not_found", "tenant does not exist")
		return
	}

	token, err := randomToken()
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not generate invitation token")
		return
	}
	inv := &model.TenantInvitation{
		TenantID: tenantID,
		Email:    strings.ToLower(strings.TrimSpace(req.Email)),
		Token:    token,
	}
	if err := h.control.WithContext(r.Context()).Create(inv).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not create invitation")
		return
	}
	h.audit(r, "invitation.create", "invitation", inv.ID, map[string]string{"tenant_id": tenantID, "email": inv.Email})
	respond.JSON(w, http.StatusCreated, inv)
}

// RevokeInvitation handles POST
// /api/v1/control-plane/invitations/{id}/revoke.
func (h *ControlPlaneHandler) RevokeInvitation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res := h.control.WithContext(r.Context()).Model(&model.TenantInvitation{}).
		Where("id = ? AND status = ?", id, model.InvitationPending).
		Update("status", model.InvitationRevoked)
	if res.Error != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not revoke invitation")
		return
	}
	if res.RowsAffected == 0 {
		respond.Error(w, http.StatusNotFound, "not_found", "no pending invitation with that id")
		return
	}
	h.audit(r, "invitation.revoke", "invitation", id, nil)
	respond.JSON(w, http.StatusOK, map[string]string{"status": model.InvitationRevoked})
}

// ListSubscriptions handles GET
// /api/v1/control-plane/tenants/{id}/subscriptions.
func (h *ControlPlaneHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	var subs []model.TenantSubscription
	if err := h.control.WithContext(r.Context()).
		Where("tenant_id = ?", r.PathValue("id")).
		Order("created_at").Find(&subs).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list subscriptions")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// ListAudit handles GET /api/v1/control-plane/audit.
func (h *ControlPlaneHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit > 500 {
		limit = 500
	}
	var entries []model.ControlAuditLog
	if err := h.control.WithContext(r.Context()).
		Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list audit entries")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"audit": entries})
}

type lookupRequest struct {
	Email string `json:"email"`
}

type lookupTenant struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

// TenantLookup handles POST /api/v1/control-plane/tenant-lookup. It is the
// only unauthenticated control-plane route and returns every tenant that
// either holds a pending invitation for the email or already has an active
// user with it. Rate-limited per client IP by the route middleware.
func (h *ControlPlaneHandler) TenantLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if !decode(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		respond.ValidationError(w, map[string]string{"email": "an email is required"})
		return
	}

	seen := map[string]bool{}
	var out []lookupTenant

	var invitations []model.TenantInvitation
	if err := h.control.WithContext(r.Context()).
		Where("email = ? AND status = ?", email, model.InvitationPending).
		Find(&invitations).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "lookup failed")
		return
	}
	for _, inv := range invitations {
		h.appendTenant(r, inv.TenantID, seen, &out)
	}

	for _, tenantID := range h.router.TenantIDs() {
		if seen[tenantID] {
			continue
		}
		exists, err := h.router.UserExists(r.Context(), tenantID, email)
		if err != nil {
			h.log.Warn("tenant lookup probe failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if exists {
			h.appendTenant(r, tenantID, seen, &out)
		}
	}

	h.log.Info("tenant lookup", "email", observability.Sanitize(email), "matches", len(out))
	if out == nil {
		out = []lookupTenant{}
	}
	respond.JSON(w, http.StatusOK, map[string]any{"tenants": out})
}

func (h *ControlPlaneHandler) appendTenant(r *http.Request, tenantID string, seen map[string]bool, out *[]lookupTenant) bool {
	if seen[tenantID] {
		return false
	}
	var t model.TenantCompany
	if err := h.control.WithContext(r.Context()).
		Where("id = ? AND status = ?", tenantID, model.TenantActive).
		First(&t).Error; err != nil {
		return false
	}
	seen[tenantID] = true
	*out = append(*out, lookupTenant{TenantID: t.ID, Name: t.Name})
	return true
}

func (h *ControlPlaneHandler) reloadRouter(r *http.Request) {
	if err := h.router.Reload(r.Context()); err != nil {
		h.log.Error("routing cache reload failed", "error", err)
	}
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
