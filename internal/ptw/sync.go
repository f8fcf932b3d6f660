package ptw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/athens-ehs/athens/internal/access"
	"github.com/athens-ehs/athens/internal/model"
	"gorm.io/gorm"
)

// SyncRequest is one offline batch from a device.
type SyncRequest struct {
	DeviceID   string          `json:"device_id"`
	ClientTime time.Time       `json:"client_time"`
	Changes    []OfflineChange `json:"changes"`
}

// OfflineChange is a single queued mutation. BaseVersion is the permit
// version the device last saw; a mismatch classifies the change as a
// conflict without mutating anything.
type OfflineChange struct {
	OfflineID   string          `json:"offline_id"`
	Entity      string          `json:"entity"`
	ServerID    string          `json:"server_id"`
	Action      string          `json:"action"`
	BaseVersion *int            `json:"base_version"`
	Payload     json.RawMessage `json:"payload"`
}

// AppliedChange reports a change that took effect, or a replay of one that
// already had.
type AppliedChange struct {
	OfflineID string `json:"offline_id"`
	ServerID  string `json:"server_id"`
	Version   int    `json:"version"`
	Replayed  bool   `json:"replayed,omitempty"`
}

// ConflictChange reports a version mismatch and carries the server's
// current row so the device can rebase.
type ConflictChange struct {
	OfflineID string        `json:"offline_id"`
	Reason    string        `json:"reason"`
	Server    *model.Permit `json:"server,omitempty"`
}

// RejectedChange reports a change the policy or validators refused.
type RejectedChange struct {
	OfflineID string `json:"offline_id"`
	Reason    string `json:"reason"`
}

// SyncResult partitions the batch outcome. Events collected from applied
// transitions are dispatched by the caller after the batch.
type SyncResult struct {
	Applied   []AppliedChange  `json:"applied"`
	Conflicts []ConflictChange `json:"conflicts"`
	Rejected  []RejectedChange `json:"rejected"`
	Events    []Event          `json:"-"`
}

// SyncEngine replays offline batches against the workflow engine. Replay
// is idempotent: a change already recorded for (device, offline_id,
// entity) reports the original outcome instead of re-applying.
type SyncEngine struct {
	svc *Service
}

// NewSyncEngine builds a SyncEngine over a workflow service.
func NewSyncEngine(svc *Service) *SyncEngine {
	return &SyncEngine{svc: svc}
}

// Apply processes one batch. Changes are applied in order; each change
// succeeds or fails independently.
func (e *SyncEngine) Apply(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if req.DeviceID == "" {
		return nil, newValidationError("device_id", "a device id is required")
	}

	res := &SyncResult{
		Applied:   []AppliedChange{},
		Conflicts: []ConflictChange{},
		Rejected:  []RejectedChange{},
	}
	for _, change := range req.Changes {
		e.applyOne(ctx, req.DeviceID, change, res)
	}
	return res, nil
}

func (e *SyncEngine) applyOne(ctx context.Context, deviceID string, change OfflineChange, res *SyncResult) {
	if change.OfflineID == "" {
		res.Rejected = append(res.Rejected, RejectedChange{Reason: "offline_id is required"})
		return
	}
	if change.Entity == "" {
		res.Rejected = append(res.Rejected, RejectedChange{OfflineID: change.OfflineID, Reason: "entity is required"})
		return
	}

	// Replay check: a change already applied reports the original server id
	// and the current version, without mutating anything.
	var prior model.AppliedOfflineChange
	err := e.svc.db.WithContext(ctx).Scopes(access.TenantScope(e.svc.principal)).
		Where("device_id = ? AND offline_id = ? AND entity = ?", deviceID, change.OfflineID, change.Entity).
		First(&prior).Error
	if err == nil {
		version := 0
		if p, gerr := e.svc.Get(ctx, prior.ServerID); gerr == nil {
			version = p.Version
		}
		res.Applied = append(res.Applied, AppliedChange{
			OfflineID: change.OfflineID,
			ServerID:  prior.ServerID,
			Version:   version,
			Replayed:  true,
		})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		res.Rejected = append(res.Rejected, RejectedChange{OfflineID: change.OfflineID, Reason: "replay lookup failed"})
		return
	}

	serverID, version, events, err := e.dispatch(ctx, change)
	if err != nil {
		e.classify(change, err, res)
		return
	}

	record := &model.AppliedOfflineChange{
		DeviceID:       deviceID,
		OfflineID:      change.OfflineID,
		Entity:         change.Entity,
		ServerID:       serverID,
		AthensTenantID: e.svc.principal.TenantID,
	}
	if err := e.svc.db.WithContext(ctx).Create(record).Error; err != nil {
		// A concurrent replay of the same change won the unique index; the
		// mutation above is the one that was recorded.
		var existing model.AppliedOfflineChange
		if lookupErr := e.svc.db.WithContext(ctx).
			Where("device_id = ? AND offline_id = ? AND entity = ?", deviceID, change.OfflineID, change.Entity).
			First(&existing).Error; lookupErr != nil {
			res.Rejected = append(res.Rejected, RejectedChange{OfflineID: change.OfflineID, Reason: "recording applied change failed"})
			return
		}
	}

	res.Applied = append(res.Applied, AppliedChange{
		OfflineID: change.OfflineID,
		ServerID:  serverID,
		Version:   version,
	})
	res.Events = append(res.Events, events...)
}

func (e *SyncEngine) dispatch(ctx context.Context, change OfflineChange) (string, int, []Event, error) {
	switch change.Entity {
	case "permit":
		return e.dispatchPermit(ctx, change)
	case "signature":
		var in SignatureInput
		if err := json.Unmarshal(change.Payload, &in); err != nil {
			return "", 0, nil, newValidationError("payload", "signature payload is malformed")
		}
		sig, err := e.svc.AddSignature(ctx, change.ServerID, in, change.BaseVersion)
		if err != nil {
			return "", 0, nil, err
		}
		p, err := e.svc.Get(ctx, change.ServerID)
		if err != nil {
			return "", 0, nil, err
		}
		return sig.ID, p.Version, nil, nil
	default:
		return "", 0, nil, newValidationError("entity", fmt.Sprintf("unknown entity %q", change.Entity))
	}
}

func (e *SyncEngine) dispatchPermit(ctx context.Context, change OfflineChange) (string, int, []Event, error) {
	switch change.Action {
	case "create":
		var in CreateInput
		if err := json.Unmarshal(change.Payload, &in); err != nil {
			return "", 0, nil, newValidationError("payload", "permit payload is malformed")
		}
		p, err := e.svc.Create(ctx, in)
		if err != nil {
			return "", 0, nil, err
		}
		return p.ID, p.Version, nil, nil
	case "update":
		var in UpdateInput
		if err := json.Unmarshal(change.Payload, &in); err != nil {
			return "", 0, nil, newValidationError("payload", "permit payload is malformed")
		}
		p, err := e.svc.Update(ctx, change.ServerID, in, change.BaseVersion)
		if err != nil {
			return "", 0, nil, err
		}
		return p.ID, p.Version, nil, nil
	case "submit":
		p, events, err := e.svc.Submit(ctx, change.ServerID, change.BaseVersion)
		if err != nil {
			return "", 0, nil, err
		}
		return p.ID, p.Version, events, nil
	case "activate":
		p, events, err := e.svc.Activate(ctx, change.ServerID, change.BaseVersion)
		if err != nil {
			return "", 0, nil, err
		}
		return p.ID, p.Version, events, nil
	case "suspend":
		p, events, err := e.svc.Suspend(ctx, change.ServerID, "", change.BaseVersion)
		if err != nil {
			return "", 0, nil, err
		}
		return p.ID, p.Version, events, nil
	case "resume":
		p, events, err := e.svc.Resume(ctx, change.ServerID, change.BaseVersion)
		if err != nil {
			return "", 0, nil, err
		}
		return p.ID, p.Version, events, nil
	case "cancel":
		p, events, err := e.svc.Cancel(ctx, change.ServerID, "", change.BaseVersion)
		if err != nil {
			return "", 0, nil, err
		}
		return p.ID, p.Version, events, nil
	case "complete":
		p, events, err := e.svc.CompleteCloseout(ctx, change.ServerID, change.BaseVersion)
		if err != nil {
			return "", 0, nil, err
		}
		return p.ID, p.Version, events, nil
	default:
		return "", 0, nil, newValidationError("action", fmt.Sprintf("unknown action %q", change.Action))
	}
}

// classify routes an apply error into the conflict or rejected partition.
// Version mismatches carry the server's current permit so the device can
// rebase; everything else is rejected with a reason.
func (e *SyncEngine) classify(change OfflineChange, err error, res *SyncResult) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		c := ConflictChange{OfflineID: change.OfflineID, Reason: "version_mismatch"}
		if change.ServerID != "" {
			if p, gerr := e.svc.Get(context.Background(), change.ServerID); gerr == nil {
				c.Server = p
			}
		}
		res.Conflicts = append(res.Conflicts, c)
		return
	}

	reason := "rejected"
	switch {
	case errors.Is(err, access.ErrForbidden):
		reason = "forbidden"
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrIllegalTransition):
		reason = err.Error()
	default:
		var ve *ValidationError
		if errors.As(err, &ve) {
			reason = ve.Error()
		}
	}
	res.Rejected = append(res.Rejected, RejectedChange{OfflineID: change.OfflineID, Reason: reason})
}
