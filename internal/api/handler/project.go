package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/athens-ehs/athens/internal/access"
	"github.com/athens-ehs/athens/internal/api/respond"
	"github.com/athens-ehs/athens/internal/model"
	"gorm.io/gorm"
)

// ProjectHandler handles tenant-scoped /api/v1/projects/* routes.
type ProjectHandler struct {
	log *slog.Logger
}

// NewProjectHandler creates a ProjectHandler.
func NewProjectHandler(log *slog.Logger) *ProjectHandler {
	return &ProjectHandler{log: log}
}

type projectRequest struct {
	Name              string     `json:"name"`
	Category          string     `json:"category"`
	StartDate         *time.Time `json:"start_date"`
	EndDate           *time.Time `json:"end_date"`
	Latitude          *float64   `json:"latitude"`
	Longitude         *float64   `json:"longitude"`
	EmergencyContacts model.JSON `json:"emergency_contacts"`
}

// List handles GET /api/v1/projects. Project-bound principals only see
// their own project.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	principal := principalOf(r)

	q := scope.DB.WithContext(r.Context()).Scopes(access.TenantScope(principal))
	if principal.ProjectID != "" {
		q = q.Where("id = ?", principal.ProjectID)
	}
	var projects []model.Project
	if err := q.Order("created_at").Find(&projects).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not list projects")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// Create handles POST /api/v1/projects.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	scope := requestScope(r)
	principal := principalOf(r)
	if !principal.IsAdmin() {
		respond.Error(w, http.StatusForbidden, "forbidden", "only admins may create projects")
		return
	}

	var req projectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		respond.ValidationError(w, map[string]string{"name": "a project name is required"})
		return
	}
	p := &model.Project{
		Name:              req.Name,
		Category:          req.Category,
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
		EmergencyContacts: req.EmergencyContacts,
		AthensTenantID:    principal.TenantID,
	}
	if req.Latitude != nil {
		p.Latitude = *req.Latitude
	}
	if req.Longitude != nil {
		p.Longitude = *req.Longitude
	}
	if err := scope.DB.WithContext(r.Context()).Create(p).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not create project")
		return
	}
	respond.JSON(w, http.StatusCreated, p)
}

// Get handles GET /api/v1/projects/{id}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

// Patch handles PATCH /api/v1/projects/{id}. The tenant of a project is
// immutable.
func (h *ProjectHandler) Patch(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	if !principal.IsAdmin() {
		respond.Error(w, http.StatusForbidden, "forbidden", "only admins may update projects")
		return
	}
	p, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	var req projectRequest
	if !decode(w, r, &req) {
		return
	}

	updates := map[string]any{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Category != "" {
		updates["category"] = req.Category
	}
	if req.StartDate != nil {
		updates["start_date"] = req.StartDate
	}
	if req.EndDate != nil {
		updates["end_date"] = req.EndDate
	}
	if req.Latitude != nil {
		updates["latitude"] = *req.Latitude
	}
	if req.Longitude != nil {
		updates["longitude"] = *req.Longitude
	}
	if len(req.EmergencyContacts) > 0 {
		updates["emergency_contacts"] = req.EmergencyContacts
	}
	if len(updates) > 0 {
		if err := requestScope(r).DB.WithContext(r.Context()).Model(p).Updates(updates).Error; err != nil {
			respond.Error(w, http.StatusInternalServerError, "internal", "could not update project")
			return
		}
	}
	respond.JSON(w, http.StatusOK, p)
}

// MenuAccess handles GET /api/v1/projects/{id}/menu-access: the set of
// modules enabled for the project. Modules without a row default to
// enabled.
func (h *ProjectHandler) MenuAccess(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	var rows []model.ProjectMenuAccess
	if err := requestScope(r).DB.WithContext(r.Context()).
		Where("project_id = ?", p.ID).Order("module").Find(&rows).Error; err != nil {
		respond.Error(w, http.StatusInternalServerError, "internal", "could not load menu access")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"project_id": p.ID, "modules": rows})
}

type menuAccessRequest struct {
	Modules []struct {
		Module  string `json:"module"`
		Enabled bool   `json:"enabled"`
	} `json:"modules"`
}

// PutMenuAccess handles PUT /api/v1/projects/{id}/menu-access: upserts the
// enabled flag per module.
func (h *ProjectHandler) PutMenuAccess(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	if !principal.IsAdmin() {
		respond.Error(w, http.StatusForbidden, "forbidden", "only admins may change menu access")
		return
	}
	p, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	var req menuAccessRequest
	if !decode(w, r, &req) {
		return
	}

	db := requestScope(r).DB.WithContext(r.Context())
	for _, m := range req.Modules {
		if m.Module == "" {
			continue
		}
		var row model.ProjectMenuAccess
		err := db.Where("project_id = ? AND module = ?", p.ID, m.Module).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = model.ProjectMenuAccess{
				ProjectID:      p.ID,
				Module:         m.Module,
				Enabled:        m.Enabled,
				AthensTenantID: principal.TenantID,
			}
			if err := db.Create(&row).Error; err != nil {
				respond.Error(w, http.StatusInternalServerError, "internal", "could not store menu access")
				return
			}
		case err != nil:
			respond.Error(w, http.StatusInternalServerError, "internal", "could not load menu access")
			return
		default:
			if err := db.Model(&row).Update("enabled", m.Enabled).Error; err != nil {
				respond.Error(w, http.StatusInternalServerError, "internal", "could not store menu access")
				return
			}
		}
	}
	h.MenuAccess(w, r)
}

func (h *ProjectHandler) loadProject(w http.ResponseWriter, r *http.Request) (*model.Project, bool) {
	principal := principalOf(r)
	var p model.Project
	err := requestScope(r).DB.WithContext(r.Context()).
		Scopes(access.TenantScope(principal)).
		Where("id = ?", r.PathValue("id")).First(&p).Error
	if err != nil {
		respond.Error(w, http.StatusNotFound, "not_found", "project not found")
		return nil, false
	}
	if principal.ProjectID != "" && principal.ProjectID != p.ID {
		respond.Error(w, http.StatusForbidden, "forbidden", "project is outside your scope")
		return nil, false
	}
	return &p, true
}
