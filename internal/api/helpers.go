package api

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/vdavid/mailsync/internal/actions"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/syncengine"
	"go.uber.org/zap"
)

const maxBodyBytes = 25 << 20

// ParsePaginationParams parses page and limit from query parameters.
// Returns default values (page=1, limit=defaultLimit) if parameters are missing or invalid.
func ParsePaginationParams(r *http.Request, defaultLimit, maxLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}

	return page, limit
}

// writeJSON encodes v to a buffer first so an encoding failure never leaves a partial body.
func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// writeError maps domain errors to status codes. Unexpected errors are logged and
// reported without detail.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrAccountNotFound),
		errors.Is(err, db.ErrThreadNotFound),
		errors.Is(err, db.ErrMessageNotFound),
		errors.Is(err, db.ErrAttachmentNotFound),
		errors.Is(err, db.ErrOperationNotFound),
		provider.KindOf(err) == provider.ErrNotFound:
		status = http.StatusNotFound
	case errors.Is(err, actions.ErrInvalidAction),
		errors.Is(err, actions.ErrUnknownAction),
		errors.Is(err, syncengine.ErrUnknownProvider):
		status = http.StatusBadRequest
	case errors.Is(err, syncengine.ErrNeedsReauth),
		provider.KindOf(err) == provider.ErrAuth:
		status = http.StatusConflict
	case provider.KindOf(err) == provider.ErrRateLimited:
		status = http.StatusTooManyRequests
	case provider.KindOf(err) == provider.ErrNetwork,
		provider.KindOf(err) == provider.ErrUnsupported:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		http.Error(w, "Internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}
