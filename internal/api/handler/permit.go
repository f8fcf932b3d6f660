package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/athens-ehs/athens/internal/access"
	"github.com/athens-ehs/athens/internal/api/respond"
	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/notify"
	"github.com/athens-ehs/athens/internal/ptw"
	"github.com/athens-ehs/athens/internal/webhook"
	"gorm.io/gorm"
)

// PermitHandler handles /api/v1/ptw/permits/* routes. Workflow semantics
// live in the ptw package; the handler decodes, runs the operation, then
// fans out webhooks and notifications for the emitted events.
type PermitHandler struct {
	dispatcher *webhook.Dispatcher
	notifier   *notify.Service
	log        *slog.Logger
}

// NewPermitHandler creates a PermitHandler.
func NewPermitHandler(dispatcher *webhook.Dispatcher, notifier *notify.Service, log *slog.Logger) *PermitHandler {
	return &PermitHandler{dispatcher: dispatcher, notifier: notifier, log: log}
}

func (h *PermitHandler) service(r *http.Request) (*ptw.Service, *gorm.DB) {
	scope := requestScope(r)
	return ptw.NewService(scope.DB, principalOf(r)), scope.DB
}

func (h *PermitHandler) fanOut(r *http.Request, db *gorm.DB, events []ptw.Event) {
	if len(events) == 0 {
		return
	}
	h.dispatcher.Dispatch(r.Context(), db, events)
	h.notifier.NotifyPermitEvents(r.Context(), db, events)
}

// List handles GET /api/v1/ptw/permits with optional status, project_id,
// limit, and offset filters. Unknown status aliases yield an empty list
// rather than an error.
func (h *PermitHandler) List(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	principal := principalOf(r)

	q := scope.DB.WithContext(r.Context()).Scopes(access.Scope(principal))
	if raw := r.URL.Query().Get("status"); raw != "" {
		q = q.Where("status = ?", ptw.NormalizeStatus(raw))
	}
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			q = q.Where("planned_start_time >= ?", ts)
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			q = q.Where("planned_end_time <= ?", ts)
		}
	}
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	var total int64
	if err := q.Model(&model.Permit{}).Count(&total).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list permits")
		return
	}
	var permits []model.Permit
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&permits).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list permits")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"permits": permits,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Create handles POST /api/v1/ptw/permits.
func (h *PermitHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in ptw.CreateInput
	if !decode(w, r, &in) {
		return
	}
	svc, _ := h.service(r)
	permit, err := svc.Create(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, permit)
}

// Get handles GET /api/v1/ptw/permits/{id}.
func (h *PermitHandler) Get(w http.ResponseWriter, r *http.Request) {
	svc, _ := h.service(r)
	permit, err := svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, permit)
}

// Update handles PATCH /api/v1/ptw/permits/{id}.
func (h *PermitHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in ptw.UpdateInput
	if !decode(w, r, &in) {
		return
	}
	svc, _ := h.service(r)
	permit, err := svc.Update(r.Context(), r.PathValue("id"), in, expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, permit)
}

// Submit handles POST /api/v1/ptw/permits/{id}/submit.
func (h *PermitHandler) Submit(w http.ResponseWriter, r *http.Request) {
	svc, db := h.service(r)
	permit, events, err := svc.Submit(r.Context(), r.PathValue("id"), expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

type assignVerifierRequest struct {
	VerifierID string `json:"verifier_id"`
}

// AssignVerifier handles POST /api/v1/ptw/permits/{id}/assign-verifier.
func (h *PermitHandler) AssignVerifier(w http.ResponseWriter, r *http.Request) {
	var req assignVerifierRequest
	if !decode(w, r, &req) {
		return
	}
	svc, db := h.service(r)
	permit, events, err := svc.AssignVerifier(r.Context(), r.PathValue("id"), req.VerifierID, expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

// Verify handles POST /api/v1/ptw/permits/{id}/verify.
func (h *PermitHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var in ptw.VerifyInput
	if !decode(w, r, &in) {
		return
	}
	svc, db := h.service(r)
	permit, events, err := svc.Verify(r.Context(), r.PathValue("id"), in, expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

// Approve handles POST /api/v1/ptw/permits/{id}/approve.
func (h *PermitHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var in ptw.ApproveInput
	if !decode(w, r, &in) {
		return
	}
	svc, db := h.service(r)
	permit, events, err := svc.Approve(r.Context(), r.PathValue("id"), in, expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

// Activate handles POST /api/v1/ptw/permits/{id}/activate.
func (h *PermitHandler) Activate(w http.ResponseWriter, r *http.Request) {
	svc, db := h.service(r)
	permit, events, err := svc.Activate(r.Context(), r.PathValue("id"), expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

type commentRequest struct {
	Comments string `json:"comments"`
}

// Suspend handles POST /api/v1/ptw/permits/{id}/suspend.
func (h *PermitHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !decode(w, r, &req) {
		return
	}
	svc, db := h.service(r)
	permit, events, err := svc.Suspend(r.Context(), r.PathValue("id"), req.Comments, expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

// Resume handles POST /api/v1/ptw/permits/{id}/resume.
func (h *PermitHandler) Resume(w http.ResponseWriter, r *http.Request) {
	svc, db := h.service(r)
	permit, events, err := svc.Resume(r.Context(), r.PathValue("id"), expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

// Cancel handles POST /api/v1/ptw/permits/{id}/cancel.
func (h *PermitHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !decode(w, r, &req) {
		return
	}
	svc, db := h.service(r)
	permit, events, err := svc.Cancel(r.Context(), r.PathValue("id"), req.Comments, expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

// AddSignature handles POST /api/v1/ptw/permits/{id}/signatures.
func (h *PermitHandler) AddSignature(w http.ResponseWriter, r *http.Request) {
	var in ptw.SignatureInput
	if !decode(w, r, &in) {
		return
	}
	svc, _ := h.service(r)
	sig, err := svc.AddSignature(r.Context(), r.PathValue("id"), in, expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, sig)
}

// Readiness handles GET /api/v1/ptw/permits/{id}/readiness.
func (h *PermitHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	svc, _ := h.service(r)
	readiness, err := svc.Readiness(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, readiness)
}

// UpsertCloseout handles PUT /api/v1/ptw/permits/{id}/closeout.
func (h *PermitHandler) UpsertCloseout(w http.ResponseWriter, r *http.Request) {
	var in ptw.CloseoutInput
	if !decode(w, r, &in) {
		return
	}
	svc, _ := h.service(r)
	closeout, err := svc.UpsertCloseout(r.Context(), r.PathValue("id"), in, expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, closeout)
}

// Complete handles POST /api/v1/ptw/permits/{id}/complete.
func (h *PermitHandler) Complete(w http.ResponseWriter, r *http.Request) {
	svc, db := h.service(r)
	permit, events, err := svc.CompleteCloseout(r.Context(), r.PathValue("id"), expectedVersion(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.fanOut(r, db, events)
	respond.JSON(w, http.StatusOK, permit)
}

type isolationPointRequest struct {
	PointReference string `json:"point_reference"`
}

// AddIsolationPoint handles POST /api/v1/ptw/permits/{id}/isolation-points.
func (h *PermitHandler) AddIsolationPoint(w http.ResponseWriter, r *http.Request) {
	var req isolationPointRequest
	if !decode(w, r, &req) {
		return
	}
	svc, _ := h.service(r)
	point, err := svc.AddIsolationPoint(r.Context(), r.PathValue("id"), req.PointReference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, point)
}

// VerifyIsolationPoint handles POST
// /api/v1/ptw/permits/{id}/isolation-points/{point_id}/verify.
func (h *PermitHandler) VerifyIsolationPoint(w http.ResponseWriter, r *http.Request) {
	svc, _ := h.service(r)
	point, err := svc.VerifyIsolationPoint(r.Context(), r.PathValue("id"), r.PathValue("point_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, point)
}

// ListAudit handles GET /api/v1/ptw/permits/{id}/audit.
func (h *PermitHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	svc, db := h.service(r)
	if _, err := svc.Get(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	var entries []model.PermitAudit
	if err := db.WithContext(r.Context()).
		Where("permit_id = ?", r.PathValue("id")).
		Order("created_at").Find(&entries).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list audit trail")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"audit": entries})
}

// Dashboard handles GET /api/v1/ptw/permits/health: permit counts by
// status within the caller's visibility.
func (h *PermitHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	principal := principalOf(r)

	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := scope.DB.WithContext(r.Context()).Model(&model.Permit{}).
		Scopes(access.Scope(principal)).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not compute dashboard")
		return
	}
	counts := map[string]int64{}
	var total int64
	for _, rw := range rows {
		counts[rw.Status] = rw.N
		total += rw.N
	}

	now := time.Now()
	var overdue, expiring int64
	base := scope.DB.WithContext(r.Context()).Model(&model.Permit{}).
		Scopes(access.Scope(principal)).
		Where("status = ?", model.PermitActive)
	if err := base.Session(&gorm.Session{}).
		Where("planned_end_time < ?", now).Count(&overdue).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not compute dashboard")
		return
	}
	if err := base.Session(&gorm.Session{}).
		Where("planned_end_time BETWEEN ? AND ?", now, now.Add(24*time.Hour)).
		Count(&expiring).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not compute dashboard")
		return
	}

	respond.JSON(w, http.StatusOK, map[string]any{
		"total":        total,
		"by_status":    counts,
		"overdue":      overdue,
		"expiring_24h": expiring,
	})
}
