// Package api serves the cache read API, mutation intake and live events over HTTP.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/vdavid/mailsync/internal/actions"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/syncengine"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"go.uber.org/zap"
)

// Store is the cache the handlers read. *db.Store implements it.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
	DeleteAccount(ctx context.Context, accountID string) error

	GetThreadsForAccount(ctx context.Context, accountID, labelID string, limit, offset int) ([]*models.Thread, error)
	GetThreadCount(ctx context.Context, accountID, labelID string) (int, error)
	GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error)
	GetThreadLabelIDs(ctx context.Context, accountID string, threadIDs []string) (map[string][]string, error)
	GetMessagesForThread(ctx context.Context, accountID, threadID string) ([]*models.Message, error)
	SetThreadPinned(ctx context.Context, accountID, threadID string, pinned bool) error
	GetLabelsForAccount(ctx context.Context, accountID string) ([]*models.Label, error)
	GetMessage(ctx context.Context, accountID, messageID string) (*models.Message, error)
	GetAttachment(ctx context.Context, accountID, attachmentID string) (*models.Attachment, error)
}

// Syncer controls account syncs. *syncengine.Orchestrator implements it.
type Syncer interface {
	Trigger(accountID string)
	Status(accountID string) syncengine.Status
	ResumeAccount(ctx context.Context, accountID string) error
	RemoveAccount(accountID string)
}

// Providers hands out account adapters. *syncengine.Registry implements it.
type Providers interface {
	Get(ctx context.Context, account *models.Account) (provider.Provider, error)
	Evict(accountID string)
}

// Mutator accepts mutations. *actions.Service implements it.
type Mutator interface {
	Do(ctx context.Context, accountID string, a actions.Action) (*models.PendingOperation, error)
}

// PendingQueue exposes queued operations. *queue.Queue implements it.
type PendingQueue interface {
	List(ctx context.Context, accountID string) ([]*models.PendingOperation, error)
	Counts(ctx context.Context, accountID string) (models.PendingCounts, error)
	Retry(ctx context.Context, accountID, opID string) error
	Clear(ctx context.Context, accountID, opID string) error
}

type Deps struct {
	Store       Store
	Credentials credentials.TokenStore
	Providers   Providers
	Sync        Syncer
	Actions     Mutator
	Queue       PendingQueue
	Hub         *ws.Hub
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	// APIKey is the bearer key every /api route requires. Empty disables the check.
	APIKey string
}

// NewRouter builds the HTTP handler of the daemon.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger.Named("api")

	accounts := &AccountsHandler{store: d.Store, creds: d.Credentials, providers: d.Providers, sync: d.Sync, queue: d.Queue, logger: logger}
	threads := &ThreadsHandler{store: d.Store, logger: logger}
	labels := &LabelsHandler{store: d.Store, logger: logger}
	messages := &MessagesHandler{store: d.Store, providers: d.Providers, logger: logger}
	mutations := &ActionsHandler{actions: d.Actions, logger: logger}
	pending := &PendingHandler{queue: d.Queue, logger: logger}
	wsHandler := NewWebSocketHandler(d.Hub, logger)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/accounts", accounts.List)
	api.HandleFunc("POST /api/v1/accounts", accounts.Create)
	api.HandleFunc("GET /api/v1/accounts/{id}", accounts.Get)
	api.HandleFunc("DELETE /api/v1/accounts/{id}", accounts.Delete)
	api.HandleFunc("POST /api/v1/accounts/{id}/sync", accounts.Sync)
	api.HandleFunc("POST /api/v1/accounts/{id}/resume", accounts.Resume)
	api.HandleFunc("GET /api/v1/accounts/{id}/profile", accounts.Profile)

	api.HandleFunc("GET /api/v1/accounts/{id}/threads", threads.List)
	api.HandleFunc("GET /api/v1/accounts/{id}/threads/{threadID}", threads.Get)
	api.HandleFunc("PUT /api/v1/accounts/{id}/threads/{threadID}/pin", threads.Pin)
	api.HandleFunc("GET /api/v1/accounts/{id}/labels", labels.List)
	api.HandleFunc("GET /api/v1/accounts/{id}/messages/{messageID}/raw", messages.Raw)
	api.HandleFunc("GET /api/v1/accounts/{id}/attachments/{attachmentID}", messages.Attachment)

	api.HandleFunc("POST /api/v1/accounts/{id}/actions/{kind}", mutations.Post)
	api.HandleFunc("GET /api/v1/accounts/{id}/pending", pending.List)
	api.HandleFunc("POST /api/v1/accounts/{id}/pending/{opID}/retry", pending.Retry)
	api.HandleFunc("DELETE /api/v1/accounts/{id}/pending/{opID}", pending.Clear)
	api.HandleFunc("GET /api/v1/ws", wsHandler.Handle)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.Handle("GET /metrics", d.Metrics.Handler())
	mux.Handle("/api/", auth.RequireAPIKey(d.APIKey, logger)(api))

	return instrument(mux, d.Metrics, logger)
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailsync is running")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument counts requests per route pattern and logs slow or failed ones.
func instrument(next http.Handler, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status))
		took := time.Since(start)
		if rec.status >= http.StatusInternalServerError || took > 2*time.Second {
			logger.Warn("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("took", took),
			)
		}
	})
}
