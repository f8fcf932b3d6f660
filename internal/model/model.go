// Package model contains GORM model definitions shared across packages.
// All models are driver-agnostic: they work with both PostgreSQL and SQLite.
//
// Control-plane models (tenant registry) live in this file; data-plane
// models scoped to a single tenant database live in user.go and permit.go.
package model

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StringSlice is a []string that GORM serialises as JSON for both SQLite
// and PostgreSQL (TEXT column).
type StringSlice []string

// JSON is a raw JSON document stored in a TEXT column. It round-trips
// request payloads whose shape is caller-defined (checklists, signature
// bundles, webhook data) without forcing a schema on them.
type JSON []byte

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(v any) error {
	switch s := v.(type) {
	case nil:
		*j = nil
	case string:
		*j = JSON(s)
	case []byte:
		*j = JSON(append([]byte(nil), s...))
	default:
		return fmt.Errorf("unsupported JSON column type %T", v)
	}
	return nil
}

// MarshalJSON writes the raw document unchanged.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw document unchanged.
func (j *JSON) UnmarshalJSON(b []byte) error {
	*j = append((*j)[0:0], b...)
	return nil
}

// Tenant company status values.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
	TenantDeleted   = "deleted"
)

// TenantCompany represents a customer company in the control plane.
// Its ID is the athens_tenant_id carried by every row in that tenant's
// database.
type TenantCompany struct {
	ID          string `gorm:"type:text;primaryKey"`
	Name        string `gorm:"type:text;not null;uniqueIndex"` // URL-safe slug
	DisplayName string `gorm:"type:text;not null"`
	Status      string `gorm:"type:text;not null;default:'active'"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (t *TenantCompany) BeforeCreate(_ *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// TenantDatabaseConfig maps a tenant to its database. ConnectionKey is the
// routing alias consumed by the tenant router: a file stem under
// TENANT_DB_DIR for sqlite, a database name for postgres.
type TenantDatabaseConfig struct {
	ID            string `gorm:"type:text;primaryKey"`
	TenantID      string `gorm:"type:text;not null;uniqueIndex"`
	ConnectionKey string `gorm:"type:text;not null"`
	CreatedAt     time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (c *TenantDatabaseConfig) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// Tenant invitation status values.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationRevoked  = "revoked"
)

// TenantInvitation routes an email address to a tenant before the user row
// exists in the tenant database.
type TenantInvitation struct {
	ID        string `gorm:"type:text;primaryKey"`
	TenantID  string `gorm:"type:text;not null;index"`
	Email     string `gorm:"type:text;not null;index"`
	Token     string `gorm:"type:text;not null;uniqueIndex"`
	Status    string `gorm:"type:text;not null;default:'pending'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (i *TenantInvitation) BeforeCreate(_ *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

// TenantSubscription records the plan a tenant is on.
type TenantSubscription struct {
	ID        string `gorm:"type:text;primaryKey"`
	TenantID  string `gorm:"type:text;not null;index"`
	Plan      string `gorm:"type:text;not null"`
	Seats     int    `gorm:"not null;default:0"`
	Status    string `gorm:"type:text;not null;default:'active'"`
	StartsAt  time.Time
	EndsAt    *time.Time
	CreatedAt time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (s *TenantSubscription) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// ControlAuditLog is the append-only control-plane audit trail. Rows are
// never updated or deleted.
type ControlAuditLog struct {
	ID         string `gorm:"type:text;primaryKey"`
	ActorID    string `gorm:"type:text;not null;index"`
	Action     string `gorm:"type:text;not null"`
	TargetType string `gorm:"type:text;not null"`
	TargetID   string `gorm:"type:text;not null"`
	Detail     JSON   `gorm:"type:text"`
	CreatedAt  time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (a *ControlAuditLog) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}
