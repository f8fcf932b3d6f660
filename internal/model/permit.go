package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Permit status values. Terminal: completed, cancelled, expired, rejected.
const (
	PermitDraft               = "draft"
	PermitSubmitted           = "submitted"
	PermitPendingVerification = "pending_verification"
	PermitUnderReview         = "under_review"
	PermitPendingApproval     = "pending_approval"
	PermitApproved            = "approved"
	PermitActive              = "active"
	PermitSuspended           = "suspended"
	PermitCompleted           = "completed"
	PermitCancelled           = "cancelled"
	PermitExpired             = "expired"
	PermitRejected            = "rejected"
)

// Workflow step status values. Terminal: approved, rejected, completed,
// skipped, obsolete.
const (
	StepPending   = "pending"
	StepApproved  = "approved"
	StepRejected  = "rejected"
	StepCompleted = "completed"
	StepSkipped   = "skipped"
	StepObsolete  = "obsolete"
)

// Workflow step kinds.
const (
	StepKindVerifier = "verifier"
	StepKindApprover = "approver"
)

// Signature type values.
const (
	SignatureRequestor = "requestor"
	SignatureVerifier  = "verifier"
	SignatureApprover  = "approver"
	SignatureCloseout  = "closeout"
)

// PermitType is the template a permit is created from. SafetyChecklist and
// CloseoutChecklist hold either a JSON list of strings or a list of
// {key,label,required} objects; both shapes are accepted.
type PermitType struct {
	ID                          string      `gorm:"type:text;primaryKey"`
	Name                        string      `gorm:"type:text;not null"`
	Category                    string      `gorm:"type:text;not null;default:''"`
	RiskLevel                   string      `gorm:"type:text;not null;default:'medium'"`
	ValidityHours               int         `gorm:"not null;default:8"`
	MandatoryPPE                StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"`
	RequiresGasTesting          bool        `gorm:"not null;default:false"`
	RequiresIsolation           bool        `gorm:"not null;default:false"`
	RequiresFireWatch           bool        `gorm:"not null;default:false"`
	RequiresStructuredIsolation bool        `gorm:"not null;default:false"`
	RequiresTrainingVerify      bool        `gorm:"not null;default:false"`
	SafetyChecklist             JSON        `gorm:"type:text"`
	CloseoutChecklist           JSON        `gorm:"type:text"`
	MinPersonnel                int         `gorm:"not null;default:1"`
	AthensTenantID              string      `gorm:"type:text;not null;index"`
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (t *PermitType) BeforeCreate(_ *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// Permit is the permit-to-work record governed by the state machine.
// Version increases strictly on every server-applied mutation; writers use
// it for optimistic concurrency.
type Permit struct {
	ID               string      `gorm:"type:text;primaryKey"`
	PermitNumber     string      `gorm:"type:text;not null;uniqueIndex"`
	PermitTypeID     string      `gorm:"type:text;not null;index"`
	ProjectID        string      `gorm:"type:text;not null;index"`
	CreatedByID      string      `gorm:"type:text;not null;index"`
	VerifierID       *string     `gorm:"type:text"`
	ApproverID       *string     `gorm:"type:text"`
	Description      string      `gorm:"type:text;not null;default:''"`
	Hazards          StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"`
	SelectedPPE      StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"`
	PlannedStartTime time.Time   `gorm:"not null"`
	PlannedEndTime   time.Time   `gorm:"not null"`
	Status           string      `gorm:"type:text;not null;default:'draft';index:idx_permit_tenant_status,priority:2"`
	RiskLevel        string      `gorm:"type:text;not null;default:'medium'"`
	Priority         string      `gorm:"type:text;not null;default:'normal'"`
	SafetyChecklist  JSON        `gorm:"type:text"`
	GasReadings      JSON        `gorm:"type:text"`
	TrainingVerified bool        `gorm:"not null;default:false"`
	Version          int         `gorm:"not null;default:1"`
	AthensTenantID   string      `gorm:"type:text;not null;index:idx_permit_tenant_status,priority:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (p *Permit) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// PermitIsolationPoint is a structured isolation record attached to a
// permit; each point must be verified before approval when the permit type
// requires structured isolation.
type PermitIsolationPoint struct {
	ID             string  `gorm:"type:text;primaryKey"`
	PermitID       string  `gorm:"type:text;not null;index"`
	PointReference string  `gorm:"type:text;not null"`
	VerifiedByID   *string `gorm:"type:text"`
	VerifiedAt     *time.Time
	Version        int    `gorm:"not null;default:1"`
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (p *PermitIsolationPoint) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// WorkflowInstance groups the ordered approval steps for one permit.
type WorkflowInstance struct {
	ID             string `gorm:"type:text;primaryKey"`
	PermitID       string `gorm:"type:text;not null;uniqueIndex"`
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (w *WorkflowInstance) BeforeCreate(_ *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return nil
}

// WorkflowStep is a single assignee action within a workflow instance.
type WorkflowStep struct {
	ID             string `gorm:"type:text;primaryKey"`
	InstanceID     string `gorm:"type:text;not null;index"`
	Seq            int    `gorm:"not null"`
	Kind           string `gorm:"type:text;not null"`
	AssigneeID     string `gorm:"type:text;not null"`
	Status         string `gorm:"type:text;not null;default:'pending'"`
	Comments       string `gorm:"type:text;not null;default:''"`
	ActedAt        *time.Time
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (s *WorkflowStep) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// DigitalSignature captures one typed signature on a permit. At most one
// live signature exists per (permit, signature_type); re-posting overwrites
// with an audit row.
type DigitalSignature struct {
	ID             string    `gorm:"type:text;primaryKey"`
	PermitID       string    `gorm:"type:text;not null;uniqueIndex:idx_sig_permit_type,priority:1"`
	SignatureType  string    `gorm:"type:text;not null;uniqueIndex:idx_sig_permit_type,priority:2"`
	SignerID       string    `gorm:"type:text;not null"`
	SignedAt       time.Time `gorm:"not null"`
	Payload        JSON      `gorm:"type:text"`
	TemplateRef    string    `gorm:"type:text;not null;default:''"`
	AthensTenantID string    `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (s *DigitalSignature) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// PermitCloseout is the one-to-one close-out record for a permit.
type PermitCloseout struct {
	ID             string `gorm:"type:text;primaryKey"`
	PermitID       string `gorm:"type:text;not null;uniqueIndex"`
	Checklist      JSON   `gorm:"type:text"`
	Remarks        string `gorm:"type:text;not null;default:''"`
	Completed      bool   `gorm:"not null;default:false"`
	CompletedAt    *time.Time
	Version        int    `gorm:"not null;default:1"`
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (c *PermitCloseout) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// PermitAudit records one state-machine transition or signature event.
type PermitAudit struct {
	ID             string `gorm:"type:text;primaryKey"`
	PermitID       string `gorm:"type:text;not null;index"`
	ActorID        string `gorm:"type:text;not null"`
	Action         string `gorm:"type:text;not null"`
	FromStatus     string `gorm:"type:text;not null;default:''"`
	ToStatus       string `gorm:"type:text;not null;default:''"`
	Comments       string `gorm:"type:text;not null;default:''"`
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (a *PermitAudit) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// AppliedOfflineChange records an offline mutation that has been applied,
// making replays idempotent. Unique over (device_id, offline_id, entity).
type AppliedOfflineChange struct {
	ID             string `gorm:"type:text;primaryKey"`
	DeviceID       string `gorm:"type:text;not null;uniqueIndex:idx_offline_change,priority:1"`
	OfflineID      string `gorm:"type:text;not null;uniqueIndex:idx_offline_change,priority:2"`
	Entity         string `gorm:"type:text;not null;uniqueIndex:idx_offline_change,priority:3"`
	ServerID       string `gorm:"type:text;not null"`
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (c *AppliedOfflineChange) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// WebhookEndpoint is an outbound delivery target scoped to a tenant and
// optionally narrowed to one project.
type WebhookEndpoint struct {
	ID             string      `gorm:"type:text;primaryKey"`
	ProjectID      *string     `gorm:"type:text;index"`
	URL            string      `gorm:"type:text;not null"`
	Secret         string      `gorm:"type:text;not null" json:"-"`
	Enabled        bool        `gorm:"not null;default:true"`
	Events         StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"`
	LastStatus     *int
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (e *WebhookEndpoint) BeforeCreate(_ *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// WebhookDeliveryLog tracks delivery of one deduped event to one endpoint.
// Unique over (webhook_id, dedupe_key): a second emission of the same event
// for the same permit within the hour bucket is dropped.
type WebhookDeliveryLog struct {
	ID             string `gorm:"type:text;primaryKey"`
	WebhookID      string `gorm:"type:text;not null;uniqueIndex:idx_delivery_dedupe,priority:1"`
	DedupeKey      string `gorm:"type:text;not null;uniqueIndex:idx_delivery_dedupe,priority:2"`
	Event          string `gorm:"type:text;not null"`
	PermitID       string `gorm:"type:text;not null;index"`
	Payload        JSON   `gorm:"type:text"`
	ResponseCode   *int
	Error          string `gorm:"type:text;not null;default:''"`
	RetryCount     int    `gorm:"not null;default:0"`
	Success        bool   `gorm:"not null;default:false"`
	Failed         bool   `gorm:"not null;default:false"` // permanently failed
	SentAt         *time.Time
	AthensTenantID string `gorm:"type:text;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (l *WebhookDeliveryLog) BeforeCreate(_ *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}
