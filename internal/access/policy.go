// Package access implements the access policy: a single capability
// function that maps a principal to a permission bundle plus a query
// filter enforcing company isolation.
package access

import (
	"errors"
	"fmt"

	"github.com/athens-ehs/athens/internal/auth"
	"github.com/athens-ehs/athens/internal/model"
	"gorm.io/gorm"
)

// ErrForbidden is returned when a principal may not perform an operation.
var ErrForbidden = errors.New("forbidden")

// Principal is the policy view of an authenticated user, built from token
// claims.
type Principal struct {
	ID        string
	UserType  string
	AdminType string
	Grade     string
	TenantID  string
	ProjectID string
}

// FromClaims converts parsed token claims into a Principal.
func FromClaims(c *auth.Claims) Principal {
	return Principal{
		ID:        c.UserID,
		UserType:  c.UserType,
		AdminType: c.AdminType,
		Grade:     c.Grade,
		TenantID:  c.TenantID,
		ProjectID: c.ProjectID,
	}
}

// IsAdmin reports whether the principal holds an administrative role
// inside the tenant (master, masteradmin, or project admin).
func (p Principal) IsAdmin() bool {
	d := Evaluate(p)
	return d.FullTenantAccess || p.UserType == model.UserTypeProjectAdmin
}

// Decision is the permission bundle produced for a principal. Rules are
// evaluated in order; the first match wins.
type Decision struct {
	// ControlPlaneOnly marks platform superadmins: full control-plane
	// access, no tenant data.
	ControlPlaneOnly bool
	// FullTenantAccess grants read/write on everything within the tenant.
	FullTenantAccess bool
	// ProjectID, when set, narrows reads and writes to one project.
	ProjectID string
	// OwnWriteOnly restricts writes to objects the principal created.
	OwnWriteOnly bool
	// ReadOnly blocks all writes except self-attributed artifacts.
	ReadOnly bool
}

// Evaluate runs the ordered policy rules for a principal.
func Evaluate(p Principal) Decision {
	switch {
	case p.UserType == model.UserTypeSuperadmin:
		// Rule 1: control plane only; tenant data is denied.
		return Decision{ControlPlaneOnly: true}
	case p.AdminType == model.AdminTypeMaster || p.AdminType == model.AdminTypeMasterAdmin:
		// Rule 2: tenant master admins see everything in their tenant.
		return Decision{FullTenantAccess: true}
	case p.UserType == model.UserTypeProjectAdmin:
		// Rule 3: bound to their project, read/write inside it.
		return Decision{ProjectID: p.ProjectID}
	case p.UserType == model.UserTypeAdminUser:
		// Rule 4: write own objects, read others in the same project.
		return Decision{ProjectID: p.ProjectID, OwnWriteOnly: true}
	default:
		// Rule 5: workers read only; writes only to self-attributed rows.
		return Decision{ProjectID: p.ProjectID, ReadOnly: true}
	}
}

// Scope returns a GORM scope enforcing company isolation and project
// narrowing for the principal. Every tenant-scoped query must apply it.
func Scope(p Principal) func(*gorm.DB) *gorm.DB {
	d := Evaluate(p)
	return func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("athens_tenant_id = ?", p.TenantID)
		if d.ProjectID != "" && !d.FullTenantAccess {
			tx = tx.Where("project_id = ?", d.ProjectID)
		}
		return tx
	}
}

// TenantScope filters by tenant only, for entities that have no project
// column (notifications, offline changes).
func TenantScope(p Principal) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("athens_tenant_id = ?", p.TenantID)
	}
}

// CanRead reports whether the principal may read an object in the given
// project. Objects outside the principal's tenant are never readable.
func CanRead(p Principal, objTenantID, objProjectID string) bool {
	if objTenantID == "" || objTenantID != p.TenantID {
		return false
	}
	d := Evaluate(p)
	if d.ControlPlaneOnly {
		return false
	}
	if d.FullTenantAccess {
		return true
	}
	return d.ProjectID == "" || d.ProjectID == objProjectID
}

// CanWrite reports whether the principal may mutate an object created by
// createdByID in the given project.
func CanWrite(p Principal, objTenantID, objProjectID, createdByID string) bool {
	if !CanRead(p, objTenantID, objProjectID) {
		return false
	}
	d := Evaluate(p)
	if d.FullTenantAccess {
		return true
	}
	if d.ReadOnly {
		// Workers may only touch rows attributed to themselves.
		return createdByID == p.ID
	}
	if d.OwnWriteOnly {
		return createdByID == p.ID
	}
	return true
}

// RequireVerifierGrade checks the grade-based routing rule for verifiers.
func RequireVerifierGrade(u *model.User) error {
	if u.Grade != model.GradeB {
		return fmt.Errorf("%w: verifier must hold grade B, has %q", ErrForbidden, u.Grade)
	}
	return nil
}

// RequireApproverGrade checks the grade-based routing rule for approvers.
func RequireApproverGrade(u *model.User) error {
	if u.Grade != model.GradeA {
		return fmt.Errorf("%w: approver must hold grade A, has %q", ErrForbidden, u.Grade)
	}
	return nil
}
