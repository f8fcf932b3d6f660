// Package middleware provides HTTP middleware for the Athens API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/athens-ehs/athens/internal/api/respond"
	"github.com/athens-ehs/athens/internal/auth"
	"github.com/athens-ehs/athens/internal/tenantdb"
	"gorm.io/gorm"
)

type contextKey string

const scopeKey contextKey = "request_scope"

// Scope is the explicit request context threaded through handlers: the
// authenticated principal, its tenant, and the database the request is
// pinned to. Superadmin requests carry a nil DB (control-plane handlers
// use the control DB directly).
type Scope struct {
	Claims   *auth.Claims
	TenantID string
	Alias    string
	DB       *gorm.DB
}

// RequireAuth validates the Bearer JWT in the Authorization header, then
// pins the request to its tenant database via the router. On success it
// injects a *Scope into the request context; on failure it writes an error
// response and stops the chain.
func RequireAuth(secret string, router *tenantdb.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				respond.Error(w, http.StatusUnauthorized, "auth_required", "Authorization header is required")
				return
			}

			claims, err := auth.ParseAccessToken(token, secret)
			if err != nil {
				respond.Error(w, http.StatusUnauthorized, "auth_required", "access token is invalid or expired")
				return
			}

			scope := &Scope{Claims: claims, TenantID: claims.TenantID}
			if claims.TenantID != "" {
				alias, err := router.Route(claims.TenantID)
				if err != nil {
					writeRoutingError(w, err)
					return
				}
				db, err := router.Resolve(r.Context(), claims.TenantID)
				if err != nil {
					writeRoutingError(w, err)
					return
				}
				scope.Alias = alias
				scope.DB = db
			}

			ctx := context.WithValue(r.Context(), scopeKey, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ScopeFromContext extracts the request scope. Returns nil if not present.
func ScopeFromContext(ctx context.Context) *Scope {
	v := ctx.Value(scopeKey)
	if v == nil {
		return nil
	}
	s, _ := v.(*Scope)
	return s
}

// RequireTenant rejects requests whose principal has no tenant binding.
// Chain after RequireAuth on all data-plane routes.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ScopeFromContext(r.Context())
		if scope == nil || scope.DB == nil {
			respond.Error(w, http.StatusForbidden, "forbidden", "a tenant-scoped principal is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSuperadmin limits a route to platform superadmins.
func RequireSuperadmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ScopeFromContext(r.Context())
		if scope == nil || scope.Claims.UserType != "superadmin" {
			respond.Error(w, http.StatusForbidden, "forbidden", "superadmin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRoutingError(w http.ResponseWriter, err error) {
	switch err {
	case tenantdb.ErrTenantNotFound:
		respond.Error(w, http.StatusNotFound, "tenant_not_found", "tenant does not exist")
	case tenantdb.ErrTenantSuspended:
		respond.Error(w, http.StatusForbidden, "tenant_suspended", "tenant is suspended")
	case tenantdb.ErrConfigMissing:
		respond.Error(w, http.StatusInternalServerError, "config_missing", "tenant database is not configured")
	default:
		respond.Error(w, http.StatusInternalServerError, "internal", "tenant routing failed")
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
