package handler

import (
	"log/slog"
	"net/http"

	"github.com/athens-ehs/athens/internal/api/respond"
	"github.com/athens-ehs/athens/internal/notify"
	"github.com/athens-ehs/athens/internal/ptw"
	"github.com/athens-ehs/athens/internal/webhook"
)

// SyncHandler handles POST /api/v1/ptw/sync-offline-data: batched replay
// of changes recorded on a device while offline. Webhooks and
// notifications fire once per batch, after all changes have settled.
type SyncHandler struct {
	dispatcher *webhook.Dispatcher
	notifier   *notify.Service
	log        *slog.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(dispatcher *webhook.Dispatcher, notifier *notify.Service, log *slog.Logger) *SyncHandler {
	return &SyncHandler{dispatcher: dispatcher, notifier: notifier, log: log}
}

// Sync applies the batch and reports per-change outcomes.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req ptw.SyncRequest
	if !decode(w, r, &req) {
		return
	}
	scope := requestScope(r)
	engine := ptw.NewSyncEngine(ptw.NewService(scope.DB, principalOf(r)))

	result, err := engine.Apply(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if len(result.Events) > 0 {
		h.dispatcher.Dispatch(r.Context(), scope.DB, result.Events)
		h.notifier.NotifyPermitEvents(r.Context(), scope.DB, result.Events)
	}
	h.log.Info("offline sync",
		"device_id", req.DeviceID,
		"applied", len(result.Applied),
		"conflicts", len(result.Conflicts),
		"rejected", len(result.Rejected))
	respond.JSON(w, http.StatusOK, result)
}
