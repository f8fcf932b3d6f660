// Package api wires all API routes onto the provided ServeMux.
package api

import (
	"net/http"
	"strings"

	"github.com/athens-ehs/athens/internal/api/handler"
	"github.com/athens-ehs/athens/internal/api/middleware"
	"github.com/athens-ehs/athens/internal/health"
	"github.com/athens-ehs/athens/internal/tenantdb"
)

// Handlers bundles the route handlers for registration.
type Handlers struct {
	Health       *health.Handler
	Auth         *handler.AuthHandler
	ControlPlane *handler.ControlPlaneHandler
	Project      *handler.ProjectHandler
	Permit       *handler.PermitHandler
	Sync         *handler.SyncHandler
	Notification *handler.NotificationHandler
	WebhookAdmin *handler.WebhookAdminHandler
}

// Limiters carries the per-route rate limiters.
type Limiters struct {
	TenantLookup  *middleware.KeyedLimiter
	Sync          *middleware.KeyedLimiter
	Notifications *middleware.KeyedLimiter
}

// RegisterRoutes registers all application routes on mux. Mobile clients
// send trailing slashes; every route therefore answers both the bare path
// and the slash-terminated variant.
func RegisterRoutes(mux *http.ServeMux, h Handlers, lim Limiters, jwtSecret string, router *tenantdb.Router) {
	authn := middleware.RequireAuth(jwtSecret, router)
	tenant := func(fn http.HandlerFunc) http.Handler {
		return authn(middleware.RequireTenant(fn))
	}
	super := func(fn http.HandlerFunc) http.Handler {
		return authn(middleware.RequireSuperadmin(fn))
	}

	// Public health endpoints (no auth required)
	handleFunc(mux, "GET /api/v1/health", h.Health.ServeHealth)
	handleFunc(mux, "GET /api/v1/ready", h.Health.ServeReady)

	// Auth endpoints (no auth required)
	handleFunc(mux, "POST /api/v1/auth/login", h.Auth.Login)
	handleFunc(mux, "POST /api/v1/auth/login/tenant", h.Auth.LoginTenant)
	handleFunc(mux, "POST /api/v1/auth/refresh", h.Auth.Refresh)
	handleFunc(mux, "POST /api/v1/auth/logout", h.Auth.Logout)

	// Tenant discovery for registration flows; throttled per client IP.
	handle(mux, "POST /api/v1/control-plane/tenant-lookup",
		middleware.LimitByIP(lim.TenantLookup)(http.HandlerFunc(h.ControlPlane.TenantLookup)))

	// Control plane (superadmin only)
	handle(mux, "POST /api/v1/control-plane/tenants", super(h.ControlPlane.CreateTenant))
	handle(mux, "GET /api/v1/control-plane/tenants", super(h.ControlPlane.ListTenants))
	handle(mux, "PATCH /api/v1/control-plane/tenants/{id}", super(h.ControlPlane.PatchTenant))
	handle(mux, "POST /api/v1/control-plane/tenants/{id}/database-config", super(h.ControlPlane.AttachDatabaseConfig))
	handle(mux, "POST /api/v1/control-plane/tenants/{id}/invitations", super(h.ControlPlane.CreateInvitation))
	handle(mux, "GET /api/v1/control-plane/tenants/{id}/subscriptions", super(h.ControlPlane.ListSubscriptions))
	handle(mux, "POST /api/v1/control-plane/invitations/{id}/revoke", super(h.ControlPlane.RevokeInvitation))
	handle(mux, "GET /api/v1/control-plane/audit", super(h.ControlPlane.ListAudit))

	// Projects
	handle(mux, "GET /api/v1/projects", tenant(h.Project.List))
	handle(mux, "POST /api/v1/projects", tenant(h.Project.Create))
	handle(mux, "GET /api/v1/projects/{id}", tenant(h.Project.Get))
	handle(mux, "PATCH /api/v1/projects/{id}", tenant(h.Project.Patch))
	handle(mux, "GET /api/v1/projects/{id}/menu-access", tenant(h.Project.MenuAccess))
	handle(mux, "PUT /api/v1/projects/{id}/menu-access", tenant(h.Project.PutMenuAccess))

	// Permit to work
	handle(mux, "GET /api/v1/ptw/permits", tenant(h.Permit.List))
	handle(mux, "POST /api/v1/ptw/permits", tenant(h.Permit.Create))
	handle(mux, "GET /api/v1/ptw/permits/health", tenant(h.Permit.Dashboard))
	handle(mux, "GET /api/v1/ptw/permits/{id}", tenant(h.Permit.Get))
	handle(mux, "PATCH /api/v1/ptw/permits/{id}", tenant(h.Permit.Update))
	handle(mux, "POST /api/v1/ptw/permits/{id}/submit", tenant(h.Permit.Submit))
	handle(mux, "POST /api/v1/ptw/permits/{id}/assign-verifier", tenant(h.Permit.AssignVerifier))
	handle(mux, "POST /api/v1/ptw/permits/{id}/verify", tenant(h.Permit.Verify))
	handle(mux, "POST /api/v1/ptw/permits/{id}/approve", tenant(h.Permit.Approve))
	handle(mux, "POST /api/v1/ptw/permits/{id}/activate", tenant(h.Permit.Activate))
	handle(mux, "POST /api/v1/ptw/permits/{id}/suspend", tenant(h.Permit.Suspend))
	handle(mux, "POST /api/v1/ptw/permits/{id}/resume", tenant(h.Permit.Resume))
	handle(mux, "POST /api/v1/ptw/permits/{id}/cancel", tenant(h.Permit.Cancel))
	handle(mux, "POST /api/v1/ptw/permits/{id}/complete", tenant(h.Permit.Complete))
	handle(mux, "POST /api/v1/ptw/permits/{id}/signatures", tenant(h.Permit.AddSignature))
	handle(mux, "GET /api/v1/ptw/permits/{id}/readiness", tenant(h.Permit.Readiness))
	handle(mux, "PUT /api/v1/ptw/permits/{id}/closeout", tenant(h.Permit.UpsertCloseout))
	handle(mux, "POST /api/v1/ptw/permits/{id}/isolation-points", tenant(h.Permit.AddIsolationPoint))
	handle(mux, "POST /api/v1/ptw/permits/{id}/isolation-points/{point_id}/verify", tenant(h.Permit.VerifyIsolationPoint))
	handle(mux, "GET /api/v1/ptw/permits/{id}/audit", tenant(h.Permit.ListAudit))

	// Offline sync, throttled per principal
	handle(mux, "POST /api/v1/ptw/sync-offline-data",
		authn(middleware.RequireTenant(middleware.LimitByPrincipal(lim.Sync)(http.HandlerFunc(h.Sync.Sync)))))

	// Notifications, throttled per principal
	notif := func(fn http.HandlerFunc) http.Handler {
		return authn(middleware.RequireTenant(middleware.LimitByPrincipal(lim.Notifications)(fn)))
	}
	handle(mux, "GET /api/v1/notifications", notif(h.Notification.List))
	handle(mux, "POST /api/v1/notifications/mark-read", notif(h.Notification.MarkRead))
	handle(mux, "POST /api/v1/notifications/mark-all-read", notif(h.Notification.MarkAllRead))
	handle(mux, "GET /api/v1/notifications/preferences", notif(h.Notification.GetPreferences))
	handle(mux, "PUT /api/v1/notifications/preferences", notif(h.Notification.PutPreferences))
	handle(mux, "GET /api/v1/ws/notifications/{user_id}", tenant(h.Notification.ServeWS))

	// Webhook management
	handle(mux, "GET /api/v1/webhooks", tenant(h.WebhookAdmin.List))
	handle(mux, "POST /api/v1/webhooks", tenant(h.WebhookAdmin.Create))
	handle(mux, "PATCH /api/v1/webhooks/{id}", tenant(h.WebhookAdmin.Patch))
	handle(mux, "DELETE /api/v1/webhooks/{id}", tenant(h.WebhookAdmin.Delete))
	handle(mux, "POST /api/v1/webhooks/{id}/test", tenant(h.WebhookAdmin.Test))

	// Catch-all 404
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

// handle registers both the bare pattern and its trailing-slash variant.
func handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, h)
	mux.Handle(slashVariant(pattern), h)
}

func handleFunc(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	handle(mux, pattern, fn)
}

func slashVariant(pattern string) string {
	if strings.HasSuffix(pattern, "/") {
		return pattern + "{$}"
	}
	return pattern + "/{$}"
}
