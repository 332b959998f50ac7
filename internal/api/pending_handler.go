package api

import (
	"net/http"

	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// PendingHandler exposes the operation queue of an account.
type PendingHandler struct {
	queue  PendingQueue
	logger *zap.Logger
}

type pendingResponse struct {
	Counts     models.PendingCounts       `json:"counts"`
	Operations []*models.PendingOperation `json:"operations"`
}

func (h *PendingHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.PathValue("id")

	ops, err := h.queue.List(ctx, accountID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	counts, err := h.queue.Counts(ctx, accountID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if ops == nil {
		ops = []*models.PendingOperation{}
	}
	writeJSON(w, h.logger, http.StatusOK, pendingResponse{Counts: counts, Operations: ops})
}

func (h *PendingHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Retry(r.Context(), r.PathValue("id"), r.PathValue("opID")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PendingHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Clear(r.Context(), r.PathValue("id"), r.PathValue("opID")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
