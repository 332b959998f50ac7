package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncengine"
	"go.uber.org/zap"
)

// AccountsHandler manages accounts and their sync state.
type AccountsHandler struct {
	store     Store
	creds     credentials.TokenStore
	providers Providers
	sync      Syncer
	queue     PendingQueue
	logger    *zap.Logger
}

type credentialDeleter interface {
	Delete(ctx context.Context, accountID string) error
}

type accountResponse struct {
	*models.Account
	Sync    syncengine.Status    `json:"sync"`
	Pending models.PendingCounts `json:"pending"`
}

type createAccountRequest struct {
	ID             string              `json:"id"`
	Provider       models.ProviderKind `json:"provider"`
	Email          string              `json:"email"`
	DisplayName    string              `json:"display_name"`
	AuthMethod     models.AuthMethod   `json:"auth_method"`
	IMAPServer     string              `json:"imap_server"`
	IMAPUsername   string              `json:"imap_username"`
	SMTPServer     string              `json:"smtp_server"`
	JMAPSessionURL string              `json:"jmap_session_url"`
	RetentionDays  int                 `json:"retention_days"`
	Credentials    struct {
		Username     string    `json:"username"`
		Password     string    `json:"password"`
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		ExpiresAt    time.Time `json:"expires_at"`
	} `json:"credentials"`
}

func (req *createAccountRequest) validate() error {
	if !req.Provider.Valid() {
		return fmt.Errorf("provider must be one of gmail, imap, jmap")
	}
	if !strings.Contains(req.Email, "@") {
		return fmt.Errorf("email is required")
	}
	if req.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	if req.Provider == models.ProviderGmail {
		req.AuthMethod = models.AuthOAuth2
	}
	if req.AuthMethod == "" {
		req.AuthMethod = models.AuthPassword
	}

	switch req.AuthMethod {
	case models.AuthPassword:
		if req.Credentials.Password == "" {
			return fmt.Errorf("credentials.password is required")
		}
	case models.AuthOAuth2:
		if req.Credentials.RefreshToken == "" && req.Credentials.AccessToken == "" {
			return fmt.Errorf("credentials.refresh_token is required")
		}
	default:
		return fmt.Errorf("auth_method must be password or oauth2")
	}

	if req.Provider == models.ProviderIMAP && req.IMAPServer == "" {
		return fmt.Errorf("imap_server is required")
	}
	return nil
}

// List returns every account with its sync state.
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accounts, err := h.store.ListAccounts(ctx)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp, err := h.describe(ctx, a)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		out = append(out, resp)
	}
	writeJSON(w, h.logger, http.StatusOK, out)
}

func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := h.store.GetAccount(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp, err := h.describe(ctx, account)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

func (h *AccountsHandler) describe(ctx context.Context, a *models.Account) (accountResponse, error) {
	counts, err := h.queue.Counts(ctx, a.ID)
	if err != nil {
		return accountResponse{}, err
	}
	status := h.sync.Status(a.ID)
	if a.NeedsReauth {
		status.State = syncengine.StateNeedsReauth
	}
	return accountResponse{Account: a, Sync: status, Pending: counts}, nil
}

// Create stores a new account and its credentials, verifies that the provider accepts
// them and starts the initial sync. A failed verification removes the account again.
func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	account := &models.Account{
		ID:             id,
		Provider:       req.Provider,
		Email:          req.Email,
		DisplayName:    req.DisplayName,
		CredentialsRef: id,
		AuthMethod:     req.AuthMethod,
		IMAPServer:     req.IMAPServer,
		IMAPUsername:   req.IMAPUsername,
		SMTPServer:     req.SMTPServer,
		JMAPSessionURL: req.JMAPSessionURL,
		RetentionDays:  req.RetentionDays,
	}
	if err := h.store.SaveAccount(ctx, account); err != nil {
		writeError(w, h.logger, err)
		return
	}
	creds := &credentials.Credentials{
		Username:     req.Credentials.Username,
		Password:     req.Credentials.Password,
		AccessToken:  req.Credentials.AccessToken,
		RefreshToken: req.Credentials.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    req.Credentials.ExpiresAt,
	}
	if err := h.creds.Put(ctx, id, creds); err != nil {
		h.rollback(ctx, id)
		writeError(w, h.logger, err)
		return
	}

	p, err := h.providers.Get(ctx, account)
	if err == nil {
		err = p.TestConnection(ctx)
	}
	if err != nil {
		h.logger.Info("account verification failed", zap.String("account_id", id), zap.Error(err))
		h.rollback(ctx, id)
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("account added", zap.String("account_id", id), zap.String("provider", string(account.Provider)))
	h.sync.Trigger(id)
	writeJSON(w, h.logger, http.StatusCreated, accountResponse{Account: account, Sync: syncengine.Status{State: syncengine.StateIdle}})
}

func (h *AccountsHandler) rollback(ctx context.Context, accountID string) {
	h.providers.Evict(accountID)
	if err := h.store.DeleteAccount(context.WithoutCancel(ctx), accountID); err != nil {
		h.logger.Warn("failed to remove unverified account", zap.String("account_id", accountID), zap.Error(err))
	}
}

// Delete removes the account and everything cached for it.
func (h *AccountsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteAccount(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.sync.RemoveAccount(id)
	// Database-backed credentials go with the account row; keyring items do not.
	if d, ok := h.creds.(credentialDeleter); ok {
		if err := d.Delete(r.Context(), id); err != nil {
			h.logger.Warn("failed to delete credentials", zap.String("account_id", id), zap.Error(err))
		}
	}
	h.logger.Info("account removed", zap.String("account_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// Sync starts a sync in the background; progress arrives over the event stream.
func (h *AccountsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if account.NeedsReauth {
		http.Error(w, "account needs re-authorization", http.StatusConflict)
		return
	}
	h.sync.Trigger(account.ID)
	writeJSON(w, h.logger, http.StatusAccepted, h.sync.Status(account.ID))
}

// Resume clears the re-authorization flag, optionally storing new credentials first.
func (h *AccountsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := h.store.GetAccount(ctx, id); err != nil {
		writeError(w, h.logger, err)
		return
	}

	var creds credentials.Credentials
	switch err := decodeJSON(w, r, &creds); {
	case errors.Is(err, io.EOF):
	case err != nil:
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	default:
		if err := h.creds.Put(ctx, id, &creds); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	if err := h.sync.ResumeAccount(ctx, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.sync.Trigger(id)
	w.WriteHeader(http.StatusNoContent)
}

// Profile asks the provider for the remote identity and mailbox totals.
func (h *AccountsHandler) Profile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := h.store.GetAccount(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.providers.Get(ctx, account)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	profile, err := p.GetProfile(ctx)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"email":          profile.Email,
		"display_name":   profile.DisplayName,
		"messages_total": profile.MessagesTotal,
		"threads_total":  profile.ThreadsTotal,
	})
}
