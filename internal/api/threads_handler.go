package api

import (
	"net/http"

	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

const (
	defaultThreadsPerPage = 50
	maxThreadsPerPage     = 200
)

// ThreadsHandler serves threads from the cache. It never calls a provider.
type ThreadsHandler struct {
	store  Store
	logger *zap.Logger
}

// BuildPaginationResponse builds the pagination response structure.
func BuildPaginationResponse(threads []*models.Thread, totalCount, page, limit int) *models.ThreadsResponse {
	if threads == nil {
		threads = []*models.Thread{}
	}
	return &models.ThreadsResponse{
		Threads: threads,
		Pagination: models.PaginationInfo{
			TotalCount: totalCount,
			Page:       page,
			PerPage:    limit,
		},
	}
}

// List returns one page of the account's threads, optionally restricted to a label.
func (h *ThreadsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.PathValue("id")
	if _, err := h.store.GetAccount(ctx, accountID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	label := r.URL.Query().Get("label")
	page, limit := ParsePaginationParams(r, defaultThreadsPerPage, maxThreadsPerPage)
	offset := (page - 1) * limit

	threads, err := h.store.GetThreadsForAccount(ctx, accountID, label, limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	totalCount, err := h.store.GetThreadCount(ctx, accountID, label)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if len(threads) > 0 {
		ids := make([]string, len(threads))
		for i, t := range threads {
			ids[i] = t.ID
		}
		labels, err := h.store.GetThreadLabelIDs(ctx, accountID, ids)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		for _, t := range threads {
			t.LabelIDs = labels[t.ID]
		}
	}

	writeJSON(w, h.logger, http.StatusOK, BuildPaginationResponse(threads, totalCount, page, limit))
}

// Get returns a thread with its messages, oldest first.
func (h *ThreadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, threadID := r.PathValue("id"), r.PathValue("threadID")

	thread, err := h.store.GetThread(ctx, accountID, threadID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	messages, err := h.store.GetMessagesForThread(ctx, accountID, threadID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	labels, err := h.store.GetThreadLabelIDs(ctx, accountID, []string{threadID})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	thread.Messages = messages
	thread.LabelIDs = labels[threadID]
	writeJSON(w, h.logger, http.StatusOK, thread)
}

// Pin sets the local pinned flag. Providers have no notion of it, so nothing is queued.
func (h *ThreadsHandler) Pin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pinned bool `json:"pinned"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.store.SetThreadPinned(r.Context(), r.PathValue("id"), r.PathValue("threadID"), req.Pinned); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
