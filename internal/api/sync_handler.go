package api

import (
	"context"
	"log"
	"net/http"

	"github.com/cepmail/backend/internal/models"
)

// SyncRunner runs one synchronization pass. *correspondence.Poller implements it.
type SyncRunner interface {
	RunPass(ctx context.Context) (int, error)
}

// SyncHandler lets an operator force a synchronization pass.
type SyncHandler struct {
	runner SyncRunner
}

// NewSyncHandler creates a new SyncHandler instance.
func NewSyncHandler(runner SyncRunner) *SyncHandler {
	return &SyncHandler{runner: runner}
}

// Sync handles POST /api/v1/sync. It waits for a pass already in progress.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, ok := RequireOperator(ctx, w)
	if !ok {
		return
	}

	processed, err := h.runner.RunPass(ctx)
	if err != nil {
		log.Printf("SyncHandler: Sync requested by %s failed after %d messages: %v", operator, processed, err)
		http.Error(w, "Failed to synchronize mailbox", http.StatusBadGateway)
		return
	}

	WriteJSONResponse(w, http.StatusOK, &models.SyncResponse{Processed: processed})
}
