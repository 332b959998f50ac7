package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/vdavid/mailsync/internal/actions"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// ActionsHandler accepts mutations. They are acknowledged once queued; the provider
// sees them when the queue flushes.
type ActionsHandler struct {
	actions Mutator
	logger  *zap.Logger
}

// Post handles POST /api/v1/accounts/{id}/actions/{kind}. The body carries the target
// and arguments; the kind comes from the path.
func (h *ActionsHandler) Post(w http.ResponseWriter, r *http.Request) {
	var a actions.Action
	if err := decodeJSON(w, r, &a); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	a.Kind = models.OperationKind(r.PathValue("kind"))

	op, err := h.actions.Do(r.Context(), r.PathValue("id"), a)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, op)
}
