package ptw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/athens-ehs/athens/internal/model"
	"gorm.io/gorm"
)

// Readiness is the diagnostic view of how close a permit is to its next
// gate. It never mutates anything and tolerates partially filled permits.
type Readiness struct {
	CanVerify   bool             `json:"can_verify"`
	CanApprove  bool             `json:"can_approve"`
	CanComplete bool             `json:"can_complete"`
	Details     ReadinessDetails `json:"details"`
}

// ReadinessDetails breaks each gate down per concern.
type ReadinessDetails struct {
	Checklist ChecklistReadiness `json:"checklist"`
	Isolation IsolationReadiness `json:"isolation"`
	Training  TrainingReadiness  `json:"training"`
	Gas       GasReadiness       `json:"gas"`
	Closeout  CloseoutReadiness  `json:"closeout"`
}

// ChecklistReadiness reports safety checklist completion.
type ChecklistReadiness struct {
	Total    int      `json:"total"`
	Complete int      `json:"complete"`
	Missing  []string `json:"missing"`
	Ready    bool     `json:"ready"`
}

// IsolationReadiness reports structured isolation verification.
type IsolationReadiness struct {
	Required bool `json:"required"`
	Total    int  `json:"total"`
	Verified int  `json:"verified"`
	Ready    bool `json:"ready"`
}

// TrainingReadiness reports training verification.
type TrainingReadiness struct {
	Required bool `json:"required"`
	Verified bool `json:"verified"`
	Ready    bool `json:"ready"`
}

// GasReadiness reports gas testing.
type GasReadiness struct {
	Required   bool   `json:"required"`
	Readings   int    `json:"readings"`
	OutOfRange string `json:"out_of_range,omitempty"`
	Ready      bool   `json:"ready"`
}

// CloseoutReadiness reports close-out checklist and signature state. A
// permit with no close-out record yet reports zero completion rather than
// an error.
type CloseoutReadiness struct {
	Total     int      `json:"total"`
	Complete  int      `json:"complete"`
	Missing   []string `json:"missing"`
	Signed    bool     `json:"signed"`
	Ready     bool     `json:"ready"`
}

// Readiness computes the gate diagnostics for a permit visible to the
// principal.
func (s *Service) Readiness(ctx context.Context, permitID string) (*Readiness, error) {
	p, err := s.Get(ctx, permitID)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	var pt model.PermitType
	if err := db.Where("id = ?", p.PermitTypeID).First(&pt).Error; err != nil {
		return nil, fmt.Errorf("load permit type: %w", err)
	}

	r := &Readiness{}
	r.Details.Checklist = checklistReadiness(pt.SafetyChecklist, p.SafetyChecklist)
	if iso, err := isolationReadiness(db, p, &pt); err != nil {
		return nil, err
	} else {
		r.Details.Isolation = iso
	}
	r.Details.Training = TrainingReadiness{
		Required: pt.RequiresTrainingVerify,
		Verified: p.TrainingVerified,
		Ready:    !pt.RequiresTrainingVerify || p.TrainingVerified,
	}
	r.Details.Gas = gasReadiness(pt.RequiresGasTesting, p.GasReadings)
	if co, err := closeoutReadiness(db, p, &pt); err != nil {
		return nil, err
	} else {
		r.Details.Closeout = co
	}

	r.CanVerify = p.Status == model.PermitPendingVerification && p.VerifierID != nil
	r.CanApprove = p.Status == model.PermitUnderReview &&
		r.Details.Checklist.Ready &&
		r.Details.Isolation.Ready &&
		r.Details.Training.Ready &&
		r.Details.Gas.Ready
	r.CanComplete = p.Status == model.PermitActive && r.Details.Closeout.Ready
	return r, nil
}

func checklistReadiness(template, state model.JSON) ChecklistReadiness {
	items, err := ParseTemplate(template)
	if err != nil {
		return ChecklistReadiness{}
	}
	checked, err := ParseState(state)
	if err != nil {
		checked = map[string]bool{}
	}
	missing := MissingItems(items, checked)
	required := 0
	for _, it := range items {
		if it.Required {
			required++
		}
	}
	return ChecklistReadiness{
		Total:    required,
		Complete: required - len(missing),
		Missing:  missing,
		Ready:    len(missing) == 0,
	}
}

func isolationReadiness(db *gorm.DB, p *model.Permit, pt *model.PermitType) (IsolationReadiness, error) {
	if !pt.RequiresStructuredIsolation {
		return IsolationReadiness{Required: false, Ready: true}, nil
	}
	var total, verified int64
	if err := db.Model(&model.PermitIsolationPoint{}).
		Where("permit_id = ?", p.ID).Count(&total).Error; err != nil {
		return IsolationReadiness{}, fmt.Errorf("count isolation points: %w", err)
	}
	if err := db.Model(&model.PermitIsolationPoint{}).
		Where("permit_id = ? AND verified_at IS NOT NULL", p.ID).Count(&verified).Error; err != nil {
		return IsolationReadiness{}, fmt.Errorf("count verified isolation points: %w", err)
	}
	return IsolationReadiness{
		Required: true,
		Total:    int(total),
		Verified: int(verified),
		Ready:    total > 0 && verified == total,
	}, nil
}

func gasReadiness(required bool, raw model.JSON) GasReadiness {
	if !required {
		return GasReadiness{Required: false, Ready: true}
	}
	g := GasReadiness{Required: true}
	if err := gasReadingsOK(raw); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			g.OutOfRange = ve.Fields["gas_readings"]
		}
		return g
	}
	g.Readings = countGasReadings(raw)
	g.Ready = true
	return g
}

func countGasReadings(raw model.JSON) int {
	var readings []gasReading
	if err := json.Unmarshal(raw, &readings); err != nil {
		return 0
	}
	return len(readings)
}

func closeoutReadiness(db *gorm.DB, p *model.Permit, pt *model.PermitType) (CloseoutReadiness, error) {
	items, err := ParseTemplate(pt.CloseoutChecklist)
	if err != nil {
		return CloseoutReadiness{}, newValidationError("closeout_checklist", err.Error())
	}
	required := 0
	for _, it := range items {
		if it.Required {
			required++
		}
	}

	var closeout model.PermitCloseout
	err = db.Where("permit_id = ?", p.ID).First(&closeout).Error
	state := map[string]bool{}
	if err == nil {
		if parsed, perr := ParseState(closeout.Checklist); perr == nil {
			state = parsed
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return CloseoutReadiness{}, fmt.Errorf("load closeout: %w", err)
	}

	missing := MissingItems(items, state)

	var signed int64
	if err := db.Model(&model.DigitalSignature{}).
		Where("permit_id = ? AND signature_type = ?", p.ID, model.SignatureCloseout).
		Count(&signed).Error; err != nil {
		return CloseoutReadiness{}, fmt.Errorf("count closeout signatures: %w", err)
	}

	return CloseoutReadiness{
		Total:    required,
		Complete: required - len(missing),
		Missing:  missing,
		Signed:   signed > 0,
		Ready:    len(missing) == 0 && signed > 0,
	}, nil
}
