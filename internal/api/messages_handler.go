package api

import (
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// MessagesHandler streams message sources and attachment parts from the provider.
// Bodies are not cached beyond what sync stores, so these go to the network.
type MessagesHandler struct {
	store     Store
	providers Providers
	logger    *zap.Logger
}

// Raw returns the RFC 5322 source of a message.
func (h *MessagesHandler) Raw(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := h.store.GetAccount(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	msg, err := h.store.GetMessage(ctx, account.ID, r.PathValue("messageID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.providers.Get(ctx, account)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	raw, err := p.FetchRawMessage(ctx, msg.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw.Data)))
	if _, err := w.Write(raw.Data); err != nil {
		h.logger.Debug("failed to write raw message", zap.Error(err))
	}
}

// Attachment returns the decoded content of a cached attachment.
func (h *MessagesHandler) Attachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := h.store.GetAccount(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	att, err := h.store.GetAttachment(ctx, account.ID, r.PathValue("attachmentID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.providers.Get(ctx, account)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	content, err := p.FetchAttachment(ctx, att.MessageID, att.PartID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	mimeType := content.MimeType
	if mimeType == "" {
		mimeType = att.MimeType
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	filename := content.Filename
	if filename == "" {
		filename = att.Filename
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Data)))
	if filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	if _, err := w.Write(content.Data); err != nil {
		h.logger.Debug("failed to write attachment", zap.Error(err))
	}
}
