package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User type values. Superadmin rows live only in the control-plane
// database; all other user types live in a tenant database.
const (
	UserTypeSuperadmin   = "superadmin"
	UserTypeMaster       = "master"
	UserTypeMasterAdmin  = "masteradmin"
	UserTypeProjectAdmin = "projectadmin"
	UserTypeAdminUser    = "adminuser"
	UserTypeWorker       = "worker"
)

// Admin type values.
const (
	AdminTypeMaster      = "master"
	AdminTypeMasterAdmin = "masteradmin"
	AdminTypeEPCUser     = "epcuser"
	AdminTypeClientUser  = "clientuser"
	AdminTypeContractor  = "contractoruser"
)

// Grades rank principals for permit workflow assignment: approvers hold A,
// verifiers B, requestors typically C.
const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
)

// ErrTenantRequired is returned when a non-platform user is saved without a
// tenant id.
var ErrTenantRequired = errors.New("non-platform user requires athens_tenant_id")

// User is a principal. The same model is used in the control plane (for
// superadmins, who carry no tenant) and in tenant databases.
type User struct {
	ID             string  `gorm:"type:text;primaryKey"`
	Username       string  `gorm:"type:text;not null;uniqueIndex"`
	Email          string  `gorm:"type:text;not null;uniqueIndex"`
	Name           string  `gorm:"type:text;not null;default:''"`
	PasswordHash   string  `gorm:"type:text;not null;default:''"`
	UserType       string  `gorm:"type:text;not null"`
	AdminType      string  `gorm:"type:text;not null;default:''"`
	Grade          string  `gorm:"type:text;not null;default:''"`
	ProjectID      *string `gorm:"type:text;index"`
	AthensTenantID string  `gorm:"type:text;index"`
	Active         bool    `gorm:"not null;default:true"`
	Locked         bool    `gorm:"not null;default:false"`
	DeactivatedAt  *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// BeforeSave enforces the tenancy invariant: every principal except a
// superadmin must carry a tenant id once first saved.
func (u *User) BeforeSave(_ *gorm.DB) error {
	if u.UserType != UserTypeSuperadmin && u.AthensTenantID == "" {
		return ErrTenantRequired
	}
	return nil
}

// RefreshToken is the outstanding-token store. Tokens always live in the
// control-plane database, keyed to the tenant they were issued for, so a
// refresh request can be honoured before the tenant DB is resolved.
type RefreshToken struct {
	ID        string    `gorm:"type:text;primaryKey"`
	UserID    string    `gorm:"type:text;not null;index"`
	TenantID  string    `gorm:"type:text;not null;default:''"`
	TokenHash string    `gorm:"type:text;not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null"`
	RevokedAt *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (rt *RefreshToken) BeforeCreate(_ *gorm.DB) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	return nil
}

// Project is a worksite within a tenant, the primary scoping unit for
// permits and most domain data.
type Project struct {
	ID                string `gorm:"type:text;primaryKey"`
	Name              string `gorm:"type:text;not null"`
	Category          string `gorm:"type:text;not null;default:''"`
	StartDate         *time.Time
	EndDate           *time.Time
	Latitude          float64 `gorm:"not null;default:0"`
	Longitude         float64 `gorm:"not null;default:0"`
	EmergencyContacts JSON    `gorm:"type:text"`
	AthensTenantID    string  `gorm:"type:text;not null;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ErrTenantImmutable is returned when an update attempts to move a project
// between tenants.
var ErrTenantImmutable = errors.New("athens_tenant_id is immutable after creation")

// BeforeCreate generates a UUID primary key if not set.
func (p *Project) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// BeforeUpdate rejects tenant reassignment.
func (p *Project) BeforeUpdate(tx *gorm.DB) error {
	if tx.Statement.Changed("AthensTenantID") {
		return ErrTenantImmutable
	}
	return nil
}

// ProjectMenuAccess gates a feature module per project.
type ProjectMenuAccess struct {
	ID             string `gorm:"type:text;primaryKey"`
	ProjectID      string `gorm:"type:text;not null;uniqueIndex:idx_project_module"`
	Module         string `gorm:"type:text;not null;uniqueIndex:idx_project_module"`
	Enabled        bool   `gorm:"not null;default:true"`
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (m *ProjectMenuAccess) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// Notification is a user-directed message with read state.
type Notification struct {
	ID             string  `gorm:"type:text;primaryKey"`
	RecipientID    string  `gorm:"type:text;not null;index:idx_notif_recipient"`
	SenderID       *string `gorm:"type:text"`
	Title          string  `gorm:"type:text;not null"`
	Message        string  `gorm:"type:text;not null"`
	Type           string  `gorm:"type:text;not null;default:''"`
	Link           string  `gorm:"type:text;not null;default:''"`
	Data           JSON    `gorm:"type:text"`
	Read           bool    `gorm:"not null;default:false;index:idx_notif_recipient"`
	ReadAt         *time.Time
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (n *Notification) BeforeCreate(_ *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}

// NotificationPreference holds a user's delivery opt-ins.
type NotificationPreference struct {
	ID             string `gorm:"type:text;primaryKey"`
	UserID         string `gorm:"type:text;not null;uniqueIndex"`
	Email          bool   `gorm:"not null;default:true"`
	Push           bool   `gorm:"not null;default:true"`
	Meeting        bool   `gorm:"not null;default:true"`
	Approval       bool   `gorm:"not null;default:true"`
	AthensTenantID string `gorm:"type:text;not null;index"`
	UpdatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (p *NotificationPreference) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
