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

// SignatureInput is the body accepted when posting a signature. Payload may
// be a raw bitmap data URL string or a JSON object; both are canonicalised
// to an {image, template} object at rest.
type SignatureInput struct {
	SignatureType string          `json:"signature_type"`
	Payload       json.RawMessage `json:"signature_data"`
}

type canonicalSignature struct {
	Image    string `json:"image"`
	Template string `json:"template,omitempty"`
}

// AddSignature records a typed signature on a permit. Only the matching
// workflow role may sign each type; re-posting the same type overwrites the
// previous signature and leaves an audit row. Every accepted signature
// bumps the permit version.
func (s *Service) AddSignature(ctx context.Context, permitID string, in SignatureInput, expected *int) (*model.DigitalSignature, error) {
	if !validSignatureType(in.SignatureType) {
		return nil, newValidationError("signature_type", "unknown signature type")
	}

	var sig *model.DigitalSignature
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
		if err := s.checkSigningRole(&p, in.SignatureType); err != nil {
			return err
		}

		payload, template, err := canonicalisePayload(in.Payload)
		if err != nil {
			return err
		}

		now := time.Now()
		var existing model.DigitalSignature
		err = tx.Where("permit_id = ? AND signature_type = ?", p.ID, in.SignatureType).
			First(&existing).Error
		overwrite := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load signature: %w", err)
		}

		if overwrite {
			existing.SignerID = s.principal.ID
			existing.SignedAt = now
			existing.Payload = payload
			existing.TemplateRef = template
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("overwrite signature: %w", err)
			}
			sig = &existing
		} else {
			sig = &model.DigitalSignature{
				PermitID:       p.ID,
				SignatureType:  in.SignatureType,
				SignerID:       s.principal.ID,
				SignedAt:       now,
				Payload:        payload,
				TemplateRef:    template,
				AthensTenantID: s.principal.TenantID,
			}
			if err := tx.Create(sig).Error; err != nil {
				return fmt.Errorf("create signature: %w", err)
			}
		}

		res := tx.Model(&model.Permit{}).
			Where("id = ? AND version = ?", p.ID, p.Version).
			Update("version", gorm.Expr("version + 1"))
		if res.Error != nil {
			return fmt.Errorf("bump permit version: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &ConflictError{CurrentVersion: p.Version}
		}

		action := "sign"
		if overwrite {
			action = "resign"
		}
		return s.audit(tx, p.ID, action, p.Status, p.Status, in.SignatureType)
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// checkSigningRole gates each signature type to its workflow role: the
// creator signs requestor, the assigned verifier signs verifier, the
// assigned approver signs approver, and anyone allowed to write the permit
// signs closeout.
func (s *Service) checkSigningRole(p *model.Permit, sigType string) error {
	switch sigType {
	case model.SignatureRequestor:
		if p.CreatedByID != s.principal.ID {
			return access.ErrForbidden
		}
	case model.SignatureVerifier:
		if p.VerifierID == nil || *p.VerifierID != s.principal.ID {
			return access.ErrForbidden
		}
	case model.SignatureApprover:
		if p.ApproverID == nil || *p.ApproverID != s.principal.ID {
			return access.ErrForbidden
		}
	case model.SignatureCloseout:
		if !access.CanWrite(s.principal, p.AthensTenantID, p.ProjectID, p.CreatedByID) {
			return access.ErrForbidden
		}
	}
	return nil
}

func validSignatureType(t string) bool {
	switch t {
	case model.SignatureRequestor, model.SignatureVerifier, model.SignatureApprover, model.SignatureCloseout:
		return true
	}
	return false
}

// canonicalisePayload normalises the accepted payload shapes. A bare JSON
// string is treated as a bitmap data URL; an object keeps its image and
// template fields. The template reference is also returned separately for
// the indexed column.
func canonicalisePayload(raw json.RawMessage) (model.JSON, string, error) {
	if len(raw) == 0 {
		return nil, "", newValidationError("payload", "a signature payload is required")
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if strings.TrimSpace(asString) == "" {
			return nil, "", newValidationError("payload", "a signature payload is required")
		}
		out, err := json.Marshal(canonicalSignature{Image: asString})
		if err != nil {
			return nil, "", fmt.Errorf("canonicalise signature: %w", err)
		}
		return model.JSON(out), "", nil
	}

	var obj canonicalSignature
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, "", newValidationError("payload", "signature payload must be a string or an object")
	}
	if obj.Image == "" {
		return nil, "", newValidationError("payload", "signature payload must carry an image")
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalise signature: %w", err)
	}
	return model.JSON(out), obj.Template, nil
}

// CloseoutInput updates the close-out record of a permit.
type CloseoutInput struct {
	Checklist model.JSON `json:"checklist"`
	Remarks   string     `json:"remarks"`
}

// UpsertCloseout creates or updates the close-out record for an active
// permit. It does not complete the permit; see CompleteCloseout.
func (s *Service) UpsertCloseout(ctx context.Context, permitID string, in CloseoutInput, expected *int) (*model.PermitCloseout, error) {
	var out *model.PermitCloseout
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
		if p.Status != model.PermitActive {
			return illegal(p.Status, "closeout")
		}
		if !access.CanWrite(s.principal, p.AthensTenantID, p.ProjectID, p.CreatedByID) {
			return access.ErrForbidden
		}
		if _, err := ParseState(in.Checklist); err != nil {
			return newValidationError("checklist", err.Error())
		}

		var closeout model.PermitCloseout
		err = tx.Where("permit_id = ?", p.ID).First(&closeout).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			closeout = model.PermitCloseout{
				PermitID:       p.ID,
				Checklist:      in.Checklist,
				Remarks:        in.Remarks,
				AthensTenantID: s.principal.TenantID,
			}
			if err := tx.Create(&closeout).Error; err != nil {
				return fmt.Errorf("create closeout: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load closeout: %w", err)
		default:
			closeout.Checklist = in.Checklist
			closeout.Remarks = in.Remarks
			closeout.Version++
			if err := tx.Save(&closeout).Error; err != nil {
				return fmt.Errorf("update closeout: %w", err)
			}
		}

		res := tx.Model(&model.Permit{}).
			Where("id = ? AND version = ?", p.ID, p.Version).
			Update("version", gorm.Expr("version + 1"))
		if res.Error != nil {
			return fmt.Errorf("bump permit version: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &ConflictError{CurrentVersion: p.Version}
		}
		if err := s.audit(tx, p.ID, "closeout_update", p.Status, p.Status, ""); err != nil {
			return err
		}
		out = &closeout
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteCloseout moves an active permit to completed once the close-out
// checklist is fully satisfied and a closeout signature is present.
func (s *Service) CompleteCloseout(ctx context.Context, permitID string, expected *int) (*model.Permit, []Event, error) {
	return s.transition(ctx, permitID, expected, "complete", func(tx *gorm.DB, p *model.Permit, pt *model.PermitType) (string, map[string]any, []Event, error) {
		if p.Status != model.PermitActive {
			return "", nil, nil, illegal(p.Status, "complete")
		}
		if !access.CanWrite(s.principal, p.AthensTenantID, p.ProjectID, p.CreatedByID) {
			return "", nil, nil, access.ErrForbidden
		}

		template, err := ParseTemplate(pt.CloseoutChecklist)
		if err != nil {
			return "", nil, nil, newValidationError("closeout_checklist", err.Error())
		}
		state := map[string]bool{}
		var closeout model.PermitCloseout
		err = tx.Where("permit_id = ?", p.ID).First(&closeout).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, nil, fmt.Errorf("load closeout: %w", err)
		}
		if found {
			if parsed, perr := ParseState(closeout.Checklist); perr == nil {
				state = parsed
			}
		}
		if missing := MissingItems(template, state); len(missing) > 0 {
			return "", nil, nil, newValidationError("closeout_checklist",
				fmt.Sprintf("close-out item %q is not complete", missing[0]))
		}

		var signed int64
		if err := tx.Model(&model.DigitalSignature{}).
			Where("permit_id = ? AND signature_type = ?", p.ID, model.SignatureCloseout).
			Count(&signed).Error; err != nil {
			return "", nil, nil, fmt.Errorf("count closeout signatures: %w", err)
		}
		if signed == 0 {
			return "", nil, nil, newValidationError("signature", "a closeout signature is required")
		}

		now := time.Now()
		if found {
			if err := tx.Model(&model.PermitCloseout{}).
				Where("id = ?", closeout.ID).
				Updates(map[string]any{"completed": true, "completed_at": now}).Error; err != nil {
				return "", nil, nil, fmt.Errorf("complete closeout: %w", err)
			}
		} else if len(template) == 0 {
			// Types without a close-out template still get a completion record.
			rec := model.PermitCloseout{
				PermitID:       p.ID,
				Completed:      true,
				CompletedAt:    &now,
				AthensTenantID: s.principal.TenantID,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return "", nil, nil, fmt.Errorf("create closeout: %w", err)
			}
		}

		events := []Event{{Name: EventCompleted, Actor: s.principal.ID}}
		return model.PermitCompleted, nil, events, nil
	})
}
