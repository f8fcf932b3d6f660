package ptw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/athens-ehs/athens/internal/access"
	"github.com/athens-ehs/athens/internal/model"
	"gorm.io/gorm"
)

// Lifecycle event names emitted to the webhook dispatcher.
const (
	EventSubmitted = "permit.submitted"
	EventVerified  = "permit.verified"
	EventApproved  = "permit.approved"
	EventRejected  = "permit.rejected"
	EventActivated = "permit.activated"
	EventCompleted = "permit.completed"
	EventCancelled = "permit.cancelled"
	EventTest      = "webhook_test"
)

// Event is a lifecycle occurrence produced inside a transition
// transaction and dispatched after commit.
type Event struct {
	Name   string
	Permit model.Permit
	Actor  string
}

// transitions enumerates every legal (from -> to) edge. The clock edge to
// expired applies to all non-terminal states and is handled by
// ExpireOverdue.
var transitions = map[string][]string{
	model.PermitDraft:               {model.PermitSubmitted},
	model.PermitSubmitted:           {model.PermitPendingVerification},
	model.PermitPendingVerification: {model.PermitUnderReview, model.PermitRejected},
	model.PermitUnderReview:         {model.PermitApproved, model.PermitRejected},
	model.PermitApproved:            {model.PermitActive, model.PermitCancelled},
	model.PermitActive:              {model.PermitSuspended, model.PermitCompleted, model.PermitCancelled},
	model.PermitSuspended:           {model.PermitActive},
}

func canTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// terminalStatuses are never left, not even by the expiry clock.
var terminalStatuses = []string{
	model.PermitCompleted, model.PermitCancelled, model.PermitExpired, model.PermitRejected,
}

var statusAliases = map[string]string{
	"in_review":       model.PermitUnderReview,
	"inreview":        model.PermitUnderReview,
	"pending_review":  model.PermitPendingVerification,
	"pendingapproval": model.PermitPendingApproval,
}

// NormalizeStatus lower-cases an incoming status filter and resolves known
// legacy aliases. Unknown values return "" and callers produce an empty
// result rather than an error.
func NormalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	if alias, ok := statusAliases[s]; ok {
		return alias
	}
	for from := range transitions {
		if s == from {
			return s
		}
	}
	for _, t := range terminalStatuses {
		if s == t {
			return t
		}
	}
	if s == model.PermitPendingApproval {
		return s
	}
	return ""
}

// Service executes permit workflow operations for one principal against
// the tenant database the request is pinned to. Construct one per request.
type Service struct {
	db        *gorm.DB
	principal access.Principal
}

// NewService builds a Service.
func NewService(db *gorm.DB, principal access.Principal) *Service {
	return &Service{db: db, principal: principal}
}

// CreateInput holds the fields accepted when creating a permit.
type CreateInput struct {
	PermitTypeID     string     `json:"permit_type_id"`
	ProjectID        string     `json:"project_id"`
	Description      string     `json:"description"`
	Hazards          []string   `json:"hazards"`
	SelectedPPE      []string   `json:"selected_ppe"`
	PlannedStartTime time.Time  `json:"planned_start_time"`
	PlannedEndTime   time.Time  `json:"planned_end_time"`
	RiskLevel        string     `json:"risk_level"`
	Priority         string     `json:"priority"`
	SafetyChecklist  model.JSON `json:"safety_checklist"`
}

// Create inserts a draft permit with a generated permit number and its
// workflow instance.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Permit, error) {
	if in.PermitTypeID == "" {
		return nil, newValidationError("permit_type_id", "permit type is required")
	}
	if in.ProjectID == "" {
		return nil, newValidationError("project_id", "project is required")
	}

	var permit *model.Permit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pt model.PermitType
		if err := tx.Scopes(access.TenantScope(s.principal)).
			Where("id = ?", in.PermitTypeID).First(&pt).Error; err != nil {
			return newValidationError("permit_type_id", "unknown permit type")
		}
		var project model.Project
		if err := tx.Scopes(access.TenantScope(s.principal)).
			Where("id = ?", in.ProjectID).First(&project).Error; err != nil {
			return newValidationError("project_id", "unknown project")
		}
		if !access.CanRead(s.principal, project.AthensTenantID, project.ID) {
			return access.ErrForbidden
		}

		number, err := nextPermitNumber(tx, s.principal.TenantID)
		if err != nil {
			return err
		}

		riskLevel := in.RiskLevel
		if riskLevel == "" {
			riskLevel = pt.RiskLevel
		}
		priority := in.Priority
		if priority == "" {
			priority = "normal"
		}

		permit = &model.Permit{
			PermitNumber:     number,
			PermitTypeID:     pt.ID,
			ProjectID:        project.ID,
			CreatedByID:      s.principal.ID,
			Description:      in.Description,
			Hazards:          in.Hazards,
			SelectedPPE:      in.SelectedPPE,
			PlannedStartTime: in.PlannedStartTime,
			PlannedEndTime:   in.PlannedEndTime,
			Status:           model.PermitDraft,
			RiskLevel:        riskLevel,
			Priority:         priority,
			SafetyChecklist:  in.SafetyChecklist,
			Version:          1,
			AthensTenantID:   s.principal.TenantID,
		}
		if err := tx.Create(permit).Error; err != nil {
			return fmt.Errorf("create permit: %w", err)
		}
		instance := &model.WorkflowInstance{
			PermitID:       permit.ID,
			AthensTenantID: s.principal.TenantID,
		}
		if err := tx.Create(instance).Error; err != nil {
			return fmt.Errorf("create workflow instance: %w", err)
		}
		return s.audit(tx, permit.ID, "create", "", model.PermitDraft, "")
	})
	if err != nil {
		return nil, err
	}
	return permit, nil
}

// Submit moves a draft to submitted once the submission gates hold.
func (s *Service) Submit(ctx context.Context, permitID string, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "submit", func(tx *gorm.DB, p *model.Permit, pt *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitDraft {
			return "", nil, nil, illegal(p.Status, "submit")
		}
		if !access.CanWrite(s.principal, p.AthensTenantID, p.ProjectID, p.CreatedByID) {
			return "", nil, nil, access.ErrForbidden
		}
		if err := submitGates(p, pt); err != nil {
			return "", nil, nil, err
		}
		events := []Event{{Name: EventSubmitted, Actor: s.principal.ID}}
		return model.PermitSubmitted, nil, events, nil
	})
}

// AssignVerifier moves a submitted permit to pending_verification and
// records the verifier workflow step. The verifier must hold grade B.
func (s *Service) AssignVerifier(ctx context.Context, permitID, verifierID string, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "assign_verifier", func(tx *gorm.DB, p *model.Permit, _ *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitSubmitted {
			return "", nil, nil, illegal(p.Status, "assign_verifier")
		}
		verifier, err := s.loadUser(tx, verifierID)
		if err != nil {
			return "", nil, nil, newValidationError("verifier", "unknown verifier")
		}
		if err := access.RequireVerifierGrade(verifier); err != nil {
			return "", nil, nil, err
		}
		if err := s.addStep(tx, p, model.StepKindVerifier, verifier.ID); err != nil {
			return "", nil, nil, err
		}
		return model.PermitPendingVerification, map[string]any{"verifier_id": verifier.ID}, nil, nil
	})
}

// VerifyInput is the verifier's decision.
type VerifyInput struct {
	Action           string `json:"action"` // "approve" or "reject"
	SelectedApprover string `json:"selected_approver"`
	Comments         string `json:"comments"`
}

// Verify applies the verifier decision. Approval requires a selected
// approver of grade A and advances to under_review; remaining pending
// verifier steps become skipped, never obsolete.
func (s *Service) Verify(ctx context.Context, permitID string, in VerifyInput, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "verify", func(tx *gorm.DB, p *model.Permit, _ *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitPendingVerification {
			return "", nil, nil, illegal(p.Status, "verify")
		}
		if p.VerifierID == nil || *p.VerifierID != s.principal.ID {
			return "", nil, nil, access.ErrForbidden
		}

		switch in.Action {
		case "approve":
			if in.SelectedApprover == "" {
				return "", nil, nil, newValidationError("selected_approver", "an approver must be selected")
			}
			approver, err := s.loadUser(tx, in.SelectedApprover)
			if err != nil {
				return "", nil, nil, newValidationError("selected_approver", "unknown approver")
			}
			if err := access.RequireApproverGrade(approver); err != nil {
				return "", nil, nil, err
			}
			if err := s.settleSteps(tx, p, model.StepKindVerifier, model.StepApproved, in.Comments); err != nil {
				return "", nil, nil, err
			}
			if err := s.addStep(tx, p, model.StepKindApprover, approver.ID); err != nil {
				return "", nil, nil, err
			}
			events := []Event{{Name: EventVerified, Actor: s.principal.ID}}
			return model.PermitUnderReview, map[string]any{"approver_id": approver.ID}, events, nil
		case "reject":
			if err := s.settleSteps(tx, p, model.StepKindVerifier, model.StepRejected, in.Comments); err != nil {
				return "", nil, nil, err
			}
			events := []Event{{Name: EventRejected, Actor: s.principal.ID}}
			return model.PermitRejected, nil, events, nil
		default:
			return "", nil, nil, newValidationError("action", "action must be approve or reject")
		}
	})
}

// ApproveInput is the approver's decision.
type ApproveInput struct {
	Action   string `json:"action"` // "approve" or "reject"
	Comments string `json:"comments"`
}

// Approve applies the approver decision. Approval requires every gating
// predicate: checklist completeness, isolation verification, training
// verification, and in-range gas readings.
func (s *Service) Approve(ctx context.Context, permitID string, in ApproveInput, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "approve", func(tx *gorm.DB, p *model.Permit, pt *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitUnderReview {
			return "", nil, nil, illegal(p.Status, "approve")
		}
		if p.ApproverID == nil || *p.ApproverID != s.principal.ID {
			return "", nil, nil, access.ErrForbidden
		}

		switch in.Action {
		case "approve":
			if err := approveGates(tx, p, pt); err != nil {
				return "", nil, nil, err
			}
			if err := s.settleSteps(tx, p, model.StepKindApprover, model.StepApproved, in.Comments); err != nil {
				return "", nil, nil, err
			}
			events := []Event{{Name: EventApproved, Actor: s.principal.ID}}
			return model.PermitApproved, nil, events, nil
		case "reject":
			if err := s.settleSteps(tx, p, model.StepKindApprover, model.StepRejected, in.Comments); err != nil {
				return "", nil, nil, err
			}
			events := []Event{{Name: EventRejected, Actor: s.principal.ID}}
			return model.PermitRejected, nil, events, nil
		default:
			return "", nil, nil, newValidationError("action", "action must be approve or reject")
		}
	})
}

// Activate moves an approved permit to active once the planned window has
// opened.
func (s *Service) Activate(ctx context.Context, permitID string, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "activate", func(tx *gorm.DB, p *model.Permit, _ *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitApproved {
			return "", nil, nil, illegal(p.Status, "activate")
		}
		if time.Now().Before(p.PlannedStartTime) {
			return "", nil, nil, newValidationError("planned_start_time", "permit cannot be activated before its planned start")
		}
		events := []Event{{Name: EventActivated, Actor: s.principal.ID}}
		return model.PermitActive, nil, events, nil
	})
}

// Suspend pauses an active permit.
func (s *Service) Suspend(ctx context.Context, permitID, comments string, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "suspend", func(tx *gorm.DB, p *model.Permit, _ *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitActive {
			return "", nil, nil, illegal(p.Status, "suspend")
		}
		return model.PermitSuspended, map[string]any{"comments": comments}, nil, nil
	})
}

// Resume returns a suspended permit to active.
func (s *Service) Resume(ctx context.Context, permitID string, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "resume", func(tx *gorm.DB, p *model.Permit, _ *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitSuspended {
			return "", nil, nil, illegal(p.Status, "resume")
		}
		return model.PermitActive, nil, nil, nil
	})
}

// Cancel terminates an approved or active permit.
func (s *Service) Cancel(ctx context.Context, permitID, comments string, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "cancel", func(tx *gorm.DB, p *model.Permit, _ *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitApproved && p.Status != model.PermitActive {
			return "", nil, nil, illegal(p.Status, "cancel")
		}
		events := []Event{{Name: EventCancelled, Actor: s.principal.ID}}
		return model.PermitCancelled, map[string]any{"comments": comments}, events, nil
	})
}

// ExpireOverdue is the clock edge: every non-terminal permit whose planned
// end has passed becomes expired. Returns the number of permits expired.
// Run from the background sweep; idempotent.
func ExpireOverdue(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	expired := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var overdue []model.Permit
		if err := tx.Where("planned_end_time < ? AND status NOT IN ?", now, terminalStatuses).
			Find(&overdue).Error; err != nil {
			return fmt.Errorf("find overdue permits: %w", err)
		}
		for i := range overdue {
			p := &overdue[i]
			res := tx.Model(&model.Permit{}).
				Where("id = ? AND version = ?", p.ID, p.Version).
				Updates(map[string]any{"status": model.PermitExpired, "version": gorm.Expr("version + 1")})
			if res.Error != nil {
				return fmt.Errorf("expire permit %s: %w", p.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				// Lost the race to a concurrent write; the next sweep catches it.
				continue
			}
			a := &model.PermitAudit{
				PermitID:       p.ID,
				ActorID:        "system",
				Action:         "expire",
				FromStatus:     p.Status,
				ToStatus:       model.PermitExpired,
				AthensTenantID: p.AthensTenantID,
			}
			if err := tx.Create(a).Error; err != nil {
				return fmt.Errorf("audit expiry: %w", err)
			}
			expired++
		}
		return nil
	})
	return expired, err
}

// Get loads a permit under the principal's scope.
func (s *Service) Get(ctx context.Context, permitID string) (*model.Permit, error) {
	var p model.Permit
	err := s.db.WithContext(ctx).Scopes(access.Scope(s.principal)).
		Where("id = ?", permitID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load permit: %w", err)
	}
	return &p, nil
}

// ---- internals ------------------------------------------------------------

type transitionFn func(tx *gorm.DB, p *model.Permit, pt *model.PermitType) (to string, extra map[string]any, events []Event, err error)

// transition wraps the shared load / version-check / apply / audit cycle
// around one state-machine edge. The whole edge, including workflow step
// and audit writes, commits in a single transaction; events are returned
// to the caller for post-commit dispatch.
func (s *Service) transition(ctx context.Context, permitID string, expected *int, action string, fn transitionFn) (*model.Permit, []Event, error) {
	var permit *model.Permit
	var events []Event

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.Permit
		err := tx.Scopes(access.TenantScope(s.principal)).Where("id = ?", permitID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load permit: %w", err)
		}
		if expected != nil && *expected != p.Version {
			return &ConflictError{CurrentVersion: p.Version}
		}

		var pt model.PermitType
		if err := tx.Where("id = ?", p.PermitTypeID).First(&pt).Error; err != nil {
			return fmt.Errorf("load permit type: %w", err)
		}

		to, extra, evts, err := fn(tx, &p, &pt)
		if err != nil {
			return err
		}
		if !canTransition(p.Status, to) {
			return illegal(p.Status, action)
		}

		from := p.Status
		updates := map[string]any{"status": to, "version": gorm.Expr("version + 1")}
		for k, v := range extra {
			// comments feed the audit row, not a permit column
			if k == "comments" {
				continue
			}
			updates[k] = v
		}
		res := tx.Model(&model.Permit{}).
			Where("id = ? AND version = ?", p.ID, p.Version).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("apply transition: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var current model.Permit
			if err := tx.Where("id = ?", p.ID).First(&current).Error; err == nil {
				return &ConflictError{CurrentVersion: current.Version}
			}
			return &ConflictError{CurrentVersion: p.Version}
		}

		if err := s.audit(tx, p.ID, action, from, to, commentsOf(extra)); err != nil {
			return err
		}

		if err := tx.Where("id = ?", p.ID).First(&p).Error; err != nil {
			return fmt.Errorf("reload permit: %w", err)
		}
		permit = &p
		for i := range evts {
			evts[i].Permit = p
		}
		events = evts
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return permit, events, nil
}

func (s *Service) audit(tx *gorm.DB, permitID, action, from, to, comments string) error {
	a := &model.PermitAudit{
		PermitID:       permitID,
		ActorID:        s.principal.ID,
		Action:         action,
		FromStatus:     from,
		ToStatus:       to,
		Comments:       comments,
		AthensTenantID: s.principal.TenantID,
	}
	if err := tx.Create(a).Error; err != nil {
		return fmt.Errorf("write permit audit: %w", err)
	}
	return nil
}

func (s *Service) loadUser(tx *gorm.DB, id string) (*model.User, error) {
	var u model.User
	if err := tx.Where("id = ? AND athens_tenant_id = ?", id, s.principal.TenantID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Service) addStep(tx *gorm.DB, p *model.Permit, kind, assigneeID string) error {
	var instance model.WorkflowInstance
	if err := tx.Where("permit_id = ?", p.ID).First(&instance).Error; err != nil {
		return fmt.Errorf("load workflow instance: %w", err)
	}
	var maxSeq int
	row := tx.Model(&model.WorkflowStep{}).
		Where("instance_id = ?", instance.ID).
		Select("COALESCE(MAX(seq), 0)").Row()
	if err := row.Scan(&maxSeq); err != nil {
		return fmt.Errorf("next step seq: %w", err)
	}
	step := &model.WorkflowStep{
		InstanceID:     instance.ID,
		Seq:            maxSeq + 1,
		Kind:           kind,
		AssigneeID:     assigneeID,
		Status:         model.StepPending,
		AthensTenantID: p.AthensTenantID,
	}
	if err := tx.Create(step).Error; err != nil {
		return fmt.Errorf("create workflow step: %w", err)
	}
	return nil
}

// settleSteps closes the acting assignee's pending step with the outcome
// and marks every other pending step of the same kind skipped.
func (s *Service) settleSteps(tx *gorm.DB, p *model.Permit, kind, outcome, comments string) error {
	var instance model.WorkflowInstance
	if err := tx.Where("permit_id = ?", p.ID).First(&instance).Error; err != nil {
		return fmt.Errorf("load workflow instance: %w", err)
	}
	now := time.Now()
	res := tx.Model(&model.WorkflowStep{}).
		Where("instance_id = ? AND kind = ? AND assignee_id = ? AND status = ?",
			instance.ID, kind, s.principal.ID, model.StepPending).
		Updates(map[string]any{"status": outcome, "comments": comments, "acted_at": now})
	if res.Error != nil {
		return fmt.Errorf("settle workflow step: %w", res.Error)
	}
	if err := tx.Model(&model.WorkflowStep{}).
		Where("instance_id = ? AND kind = ? AND status = ?", instance.ID, kind, model.StepPending).
		Updates(map[string]any{"status": model.StepSkipped, "acted_at": now}).Error; err != nil {
		return fmt.Errorf("skip remaining steps: %w", err)
	}
	return nil
}

func nextPermitNumber(tx *gorm.DB, tenantID string) (string, error) {
	year := time.Now().Year()
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	var count int64
	if err := tx.Model(&model.Permit{}).
		Where("athens_tenant_id = ? AND created_at >= ?", tenantID, start).
		Count(&count).Error; err != nil {
		return "", fmt.Errorf("count permits for numbering: %w", err)
	}
	return fmt.Sprintf("PTW-%d-%04d", year, count+1), nil
}

func commentsOf(extra map[string]any) string {
	if extra == nil {
		return ""
	}
	if c, ok := extra["comments"].(string); ok {
		return c
	}
	return ""
}

func illegal(from, action string) error {
	return fmt.Errorf("%w: %s is not allowed from status %s", ErrIllegalTransition, action, from)
}

// ---- gating predicates ----------------------------------------------------

func submitGates(p *model.Permit, pt *model.PermitType) error {
	fields := map[string]string{}
	if len(p.Hazards) == 0 {
		fields["hazards"] = "at least one hazard must be identified"
	}
	if missing := missingPPE(pt.MandatoryPPE, p.SelectedPPE); len(missing) > 0 {
		fields["selected_ppe"] = "mandatory PPE not selected: " + strings.Join(missing, ", ")
	}
	if strings.TrimSpace(p.Description) == "" {
		fields["description"] = "a work description is required"
	}
	if !p.PlannedEndTime.After(p.PlannedStartTime) {
		fields["planned_end_time"] = "planned end must be after planned start"
	} else if pt.ValidityHours > 0 {
		if p.PlannedEndTime.Sub(p.PlannedStartTime) > time.Duration(pt.ValidityHours)*time.Hour {
			fields["planned_end_time"] = fmt.Sprintf("permit window exceeds the %d hour validity of this permit type", pt.ValidityHours)
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func missingPPE(mandatory, selected []string) []string {
	have := make(map[string]bool, len(selected))
	for _, s := range selected {
		have[s] = true
	}
	var missing []string
	for _, m := range mandatory {
		if !have[m] {
			missing = append(missing, m)
		}
	}
	return missing
}

func approveGates(tx *gorm.DB, p *model.Permit, pt *model.PermitType) error {
	template, err := ParseTemplate(pt.SafetyChecklist)
	if err != nil {
		return newValidationError("safety_checklist", err.Error())
	}
	state, err := ParseState(p.SafetyChecklist)
	if err != nil {
		return newValidationError("safety_checklist", err.Error())
	}
	if missing := MissingItems(template, state); len(missing) > 0 {
		return newValidationError("safety_checklist",
			fmt.Sprintf("checklist item %q is not complete", missing[0]))
	}

	if pt.RequiresStructuredIsolation {
		var total, verified int64
		if err := tx.Model(&model.PermitIsolationPoint{}).
			Where("permit_id = ?", p.ID).Count(&total).Error; err != nil {
			return fmt.Errorf("count isolation points: %w", err)
		}
		if err := tx.Model(&model.PermitIsolationPoint{}).
			Where("permit_id = ? AND verified_at IS NOT NULL", p.ID).Count(&verified).Error; err != nil {
			return fmt.Errorf("count verified isolation points: %w", err)
		}
		if total == 0 {
			return newValidationError("isolation_points", "structured isolation requires at least one isolation point")
		}
		if verified < total {
			return newValidationError("isolation_points",
				fmt.Sprintf("%d of %d isolation points are unverified", total-verified, total))
		}
	}

	if pt.RequiresTrainingVerify && !p.TrainingVerified {
		return newValidationError("training", "training verification is not complete")
	}

	if pt.RequiresGasTesting {
		if err := gasReadingsOK(p.GasReadings); err != nil {
			return err
		}
	}
	return nil
}

type gasReading struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
}

func gasReadingsOK(raw model.JSON) error {
	if len(raw) == 0 {
		return newValidationError("gas_readings", "gas testing is required but no readings are recorded")
	}
	var readings []gasReading
	if err := json.Unmarshal(raw, &readings); err != nil {
		return newValidationError("gas_readings", "gas readings are malformed")
	}
	if len(readings) == 0 {
		return newValidationError("gas_readings", "gas testing is required but no readings are recorded")
	}
	for _, r := range readings {
		if r.Value < r.Min || r.Value > r.Max {
			return newValidationError("gas_readings",
				fmt.Sprintf("%s reading %.2f is outside the safe range %.2f-%.2f", r.Parameter, r.Value, r.Min, r.Max))
		}
	}
	return nil
}
