package ptw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/athens-ehs/athens/internal/access"
	"github.com/athens-ehs/athens/internal/model"
	"gorm.io/gorm"
)

// UpdateInput carries the mutable permit fields. Nil fields are left
// untouched.
type UpdateInput struct {
	Description      *string     `json:"description"`
	Hazards          *[]string   `json:"hazards"`
	SelectedPPE      *[]string   `json:"selected_ppe"`
	PlannedStartTime *time.Time  `json:"planned_start_time"`
	PlannedEndTime   *time.Time  `json:"planned_end_time"`
	RiskLevel        *string     `json:"risk_level"`
	Priority         *string     `json:"priority"`
	SafetyChecklist  *model.JSON `json:"safety_checklist"`
	GasReadings      *model.JSON `json:"gas_readings"`
	TrainingVerified *bool       `json:"training_verified"`
}

// Update edits permit fields outside the state machine. Drafts accept every
// field; permits under review accept checklist, gas reading, and training
// updates only (the inputs the approver gates on). The version bumps on any
// accepted update.
func (s *Service) Update(ctx context.Context, permitID string, in UpdateInput, expected *int) (*model.Permit, error) {
	var permit *model.Permit
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
		if !access.CanWrite(s.principal, p.AthensTenantID, p.ProjectID, p.CreatedByID) {
			return access.ErrForbidden
		}

		updates := map[string]any{}
		switch p.Status {
		case model.PermitDraft:
			if in.Description != nil {
				updates["description"] = *in.Description
			}
			if in.Hazards != nil {
				updates["hazards"] = model.StringSlice(*in.Hazards)
			}
			if in.SelectedPPE != nil {
				updates["selected_ppe"] = model.StringSlice(*in.SelectedPPE)
			}
			if in.PlannedStartTime != nil {
				updates["planned_start_time"] = *in.PlannedStartTime
			}
			if in.PlannedEndTime != nil {
				updates["planned_end_time"] = *in.PlannedEndTime
			}
			if in.RiskLevel != nil {
				updates["risk_level"] = *in.RiskLevel
			}
			if in.Priority != nil {
				updates["priority"] = *in.Priority
			}
			fallthrough
		case model.PermitSubmitted, model.PermitPendingVerification, model.PermitUnderReview:
			if in.SafetyChecklist != nil {
				if _, err := ParseState(*in.SafetyChecklist); err != nil {
					return newValidationError("safety_checklist", err.Error())
				}
				updates["safety_checklist"] = *in.SafetyChecklist
			}
			if in.GasReadings != nil {
				updates["gas_readings"] = *in.GasReadings
			}
			if in.TrainingVerified != nil {
				updates["training_verified"] = *in.TrainingVerified
			}
		default:
			return illegal(p.Status, "update")
		}
		if len(updates) == 0 {
			permit = &p
			return nil
		}

		updates["version"] = gorm.Expr("version + 1")
		res := tx.Model(&model.Permit{}).
			Where("id = ? AND version = ?", p.ID, p.Version).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update permit: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &ConflictError{CurrentVersion: p.Version}
		}
		if err := s.audit(tx, p.ID, "update", p.Status, p.Status, ""); err != nil {
			return err
		}
		if err := tx.Where("id = ?", p.ID).First(&p).Error; err != nil {
			return fmt.Errorf("reload permit: %w", err)
		}
		permit = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return permit, nil
}

// AddIsolationPoint attaches a structured isolation point to a permit.
func (s *Service) AddIsolationPoint(ctx context.Context, permitID, pointReference string) (*model.PermitIsolationPoint, error) {
	if pointReference == "" {
		return nil, newValidationError("point_reference", "a point reference is required")
	}
	p, err := s.Get(ctx, permitID)
	if err != nil {
		return nil, err
	}
	if !access.CanWrite(s.principal, p.AthensTenantID, p.ProjectID, p.CreatedByID) {
		return nil, access.ErrForbidden
	}
	point := &model.PermitIsolationPoint{
		PermitID:       p.ID,
		PointReference: pointReference,
		AthensTenantID: s.principal.TenantID,
	}
	if err := s.db.WithContext(ctx).Create(point).Error; err != nil {
		return nil, fmt.Errorf("create isolation point: %w", err)
	}
	return point, nil
}

// VerifyIsolationPoint marks an isolation point verified by the principal.
func (s *Service) VerifyIsolationPoint(ctx context.Context, permitID, pointID string) (*model.PermitIsolationPoint, error) {
	p, err := s.Get(ctx, permitID)
	if err != nil {
		return nil, err
	}
	if !access.CanWrite(s.principal, p.AthensTenantID, p.ProjectID, p.CreatedByID) {
		return nil, access.ErrForbidden
	}
	var point model.PermitIsolationPoint
	err = s.db.WithContext(ctx).
		Where("id = ? AND permit_id = ?", pointID, p.ID).First(&point).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load isolation point: %w", err)
	}
	now := time.Now()
	point.VerifiedByID = &s.principal.ID
	point.VerifiedAt = &now
	point.Version++
	if err := s.db.WithContext(ctx).Save(&point).Error; err != nil {
		return nil, fmt.Errorf("verify isolation point: %w", err)
	}
	return &point, nil
}
