package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrNeedsReauth is returned for accounts halted after an authentication failure.
var ErrNeedsReauth = errors.New("account needs re-authorization")

// Store is what the orchestrator reads and writes. *db.Store implements it.
type Store interface {
	CacheStore
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	SetAccountNeedsReauth(ctx context.Context, accountID string, needsReauth bool) error
}

type State string

const (
	StateIdle        State = "idle"
	StateSyncing     State = "syncing"
	StateNeedsReauth State = "needs_reauth"
)

type Mode string

const (
	ModeInitial Mode = "initial"
	ModeDelta   Mode = "delta"
)

// Status is the sync state of one account.
type Status struct {
	State      State     `json:"state"`
	Mode       Mode      `json:"mode,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
}

// Result describes one finished sync run.
type Result struct {
	AccountID  string `json:"account_id"`
	Mode       Mode   `json:"mode"`
	Ingested   int    `json:"ingested"`
	Reassigned int    `json:"reassigned"`
	// Restarted is set when an expired cursor was cleared and the run started over.
	Restarted bool `json:"restarted,omitempty"`
}

type watch struct {
	cancel context.CancelFunc
}

// inboxWatcher is implemented by adapters that push new-mail notifications.
type inboxWatcher interface {
	WatchInbox(ctx context.Context, onNewMail func()) error
}

type OrchestratorConfig struct {
	Store    Store
	Registry *Registry
	Engine   *Engine
	Bus      *events.Bus
	// Interval between scheduled sync rounds.
	Interval time.Duration
	// MaxConcurrent bounds how many accounts sync at once in a round.
	MaxConcurrent        int
	DefaultRetentionDays int
	Logger               *zap.Logger
	Metrics              *metrics.Metrics
	Now                  func() time.Time
}

// Orchestrator schedules account syncs. Runs of one account are single-flight:
// a request while a run is in progress joins it and gets its result.
type Orchestrator struct {
	store         Store
	registry      *Registry
	engine        *Engine
	bus           *events.Bus
	interval      time.Duration
	maxConcurrent int
	retentionDays int
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	flights singleflight.Group

	mu       sync.Mutex
	status   map[string]*Status
	watchers map[string]*watch
	baseCtx  context.Context
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Orchestrator{
		store:         cfg.Store,
		registry:      cfg.Registry,
		engine:        cfg.Engine,
		bus:           cfg.Bus,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		retentionDays: cfg.DefaultRetentionDays,
		logger:        cfg.Logger.Named("orchestrator"),
		metrics:       cfg.Metrics,
		now:           now,
		status:        make(map[string]*Status),
		watchers:      make(map[string]*watch),
		baseCtx:       context.Background(),
	}
}

// SyncAccount runs one sync of the account, or joins the run already in progress.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID string) (*Result, error) {
	v, err, _ := o.flights.Do(accountID, func() (any, error) {
		return o.run(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Trigger starts a sync in the background, for example on a new-mail push.
func (o *Orchestrator) Trigger(accountID string) {
	o.mu.Lock()
	ctx := o.baseCtx
	o.mu.Unlock()

	go func() {
		if _, err := o.SyncAccount(ctx, accountID); err != nil && !errors.Is(err, ErrNeedsReauth) && ctx.Err() == nil {
			o.logger.Warn("triggered sync failed", zap.String("account_id", accountID), zap.Error(err))
		}
	}()
}

func (o *Orchestrator) run(ctx context.Context, accountID string) (*Result, error) {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.NeedsReauth {
		o.setStatus(accountID, func(s *Status) { s.State = StateNeedsReauth })
		return nil, ErrNeedsReauth
	}
	p, err := o.registry.Get(ctx, account)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With(zap.String("account_id", accountID), zap.String("provider", string(account.Provider)))
	start := o.now()
	res := &Result{AccountID: accountID}
	o.publish(events.SyncStarted, accountID, nil)

	err = o.syncOnce(ctx, account, p, res)
	if objectType, expired := provider.IsStateExpired(err); expired {
		logger.Info("sync cursor expired, starting over", zap.String("object_type", objectType))
		if err = o.store.ClearCursor(context.WithoutCancel(ctx), accountID, objectType); err == nil {
			res.Restarted = true
			err = o.syncOnce(ctx, account, p, res)
		}
	}

	o.finish(ctx, account, res, err, o.now().Sub(start), logger)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) syncOnce(ctx context.Context, account *models.Account, p provider.Provider, res *Result) error {
	cursors, err := o.store.GetCursors(ctx, account.ID)
	if err != nil {
		return err
	}
	mode := ModeDelta
	if p.RequiresInitialSync(cursors) {
		mode = ModeInitial
	}
	res.Mode = mode
	o.setStatus(account.ID, func(s *Status) {
		s.State = StateSyncing
		s.Mode = mode
	})

	apply := func(ctx context.Context, batch *provider.Batch) error {
		// checked between batches only; a started batch always finishes
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := o.engine.Apply(ctx, account.ID, p.Kind(), batch)
		res.Ingested += r.Ingested
		res.Reassigned += r.Reassigned
		return err
	}

	if mode == ModeDelta {
		return p.DeltaSync(ctx, cursors, apply)
	}
	days := account.RetentionDays
	if days <= 0 {
		days = o.retentionDays
	}
	return p.InitialSync(ctx, provider.InitialSyncOptions{
		DaysBack: days,
		OnProgress: func(pr provider.Progress) {
			o.publish(events.SyncProgress, account.ID, pr)
		},
	}, apply)
}

func (o *Orchestrator) finish(ctx context.Context, account *models.Account, res *Result, err error, took time.Duration, logger *zap.Logger) {
	result := "success"
	switch {
	case err == nil:
		o.setStatus(account.ID, func(s *Status) {
			s.State = StateIdle
			s.LastError = ""
			s.LastSyncAt = o.now()
		})
		logger.Info("sync finished",
			zap.String("mode", string(res.Mode)),
			zap.Int("ingested", res.Ingested),
			zap.Int("reassigned", res.Reassigned),
			zap.Duration("took", took),
		)

	case provider.KindOf(err) == provider.ErrAuth:
		result = "auth_error"
		if serr := o.store.SetAccountNeedsReauth(context.WithoutCancel(ctx), account.ID, true); serr != nil {
			logger.Error("failed to mark account for re-authorization", zap.Error(serr))
		}
		o.stopWatcher(account.ID)
		o.registry.Evict(account.ID)
		o.setStatus(account.ID, func(s *Status) {
			s.State = StateNeedsReauth
			s.LastError = err.Error()
		})
		logger.Warn("sync halted until re-authorization", zap.Error(err))

	case errors.Is(err, context.Canceled):
		result = "cancelled"
		o.setStatus(account.ID, func(s *Status) { s.State = StateIdle })
		logger.Info("sync cancelled")

	default:
		// transient: back to idle for the next run, keeping the error visible
		result = "error"
		o.setStatus(account.ID, func(s *Status) {
			s.State = StateIdle
			s.LastError = err.Error()
		})
		logger.Warn("sync failed", zap.String("kind", string(provider.KindOf(err))), zap.Error(err))
	}

	o.metrics.RecordSync(string(account.Provider), string(res.Mode), result, took)
	data := map[string]any{"mode": res.Mode, "ingested": res.Ingested, "result": result}
	if err != nil {
		data["error"] = err.Error()
	}
	o.publish(events.SyncCompleted, account.ID, data)
}

// ResumeAccount clears the re-authorization flag after the user fixed the credentials.
func (o *Orchestrator) ResumeAccount(ctx context.Context, accountID string) error {
	if err := o.store.SetAccountNeedsReauth(ctx, accountID, false); err != nil {
		return err
	}
	o.registry.Evict(accountID)
	o.setStatus(accountID, func(s *Status) {
		s.State = StateIdle
		s.LastError = ""
	})
	o.logger.Info("account resumed", zap.String("account_id", accountID))
	return nil
}

// RemoveAccount stops watching an account and drops its adapter and status.
func (o *Orchestrator) RemoveAccount(accountID string) {
	o.stopWatcher(accountID)
	o.registry.Evict(accountID)
	o.mu.Lock()
	delete(o.status, accountID)
	o.mu.Unlock()
}

// Status returns the sync state of an account.
func (o *Orchestrator) Status(accountID string) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.status[accountID]; ok {
		return *s
	}
	return Status{State: StateIdle}
}

func (o *Orchestrator) setStatus(accountID string, fn func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.status[accountID]
	if !ok {
		s = &Status{State: StateIdle}
		o.status[accountID] = s
	}
	fn(s)
}

func (o *Orchestrator) publish(t events.Type, accountID string, data any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: t, AccountID: accountID, Time: o.now(), Data: data})
}

// Run syncs every account once per interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	defer o.stopAllWatchers()

	for {
		o.syncAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) syncAll(ctx context.Context) {
	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to list accounts", zap.Error(err))
		}
		return
	}

	g := &errgroup.Group{}
	g.SetLimit(o.maxConcurrent)
	for _, account := range accounts {
		if account.NeedsReauth {
			continue
		}
		g.Go(func() error {
			if _, err := o.SyncAccount(ctx, account.ID); err != nil {
				return nil
			}
			o.ensureWatcher(ctx, account)
			return nil
		})
	}
	_ = g.Wait()
}

// ensureWatcher starts a new-mail watcher for adapters that support push.
func (o *Orchestrator) ensureWatcher(ctx context.Context, account *models.Account) {
	p, err := o.registry.Get(ctx, account)
	if err != nil {
		return
	}
	w, ok := p.(inboxWatcher)
	if !ok {
		return
	}

	o.mu.Lock()
	if _, running := o.watchers[account.ID]; running {
		o.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	current := &watch{cancel: cancel}
	o.watchers[account.ID] = current
	o.mu.Unlock()

	go func() {
		err := w.WatchInbox(wctx, func() {
			o.publish(events.NewMail, account.ID, nil)
			o.Trigger(account.ID)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("inbox watcher stopped", zap.String("account_id", account.ID), zap.Error(err))
		}
		// the next round restarts it
		o.mu.Lock()
		if o.watchers[account.ID] == current {
			delete(o.watchers, account.ID)
		}
		o.mu.Unlock()
		cancel()
	}()
}

func (o *Orchestrator) stopWatcher(accountID string) {
	o.mu.Lock()
	wt, ok := o.watchers[accountID]
	delete(o.watchers, accountID)
	o.mu.Unlock()
	if ok {
		wt.cancel()
	}
}

func (o *Orchestrator) stopAllWatchers() {
	o.mu.Lock()
	watchers := o.watchers
	o.watchers = make(map[string]*watch)
	o.mu.Unlock()
	for _, wt := range watchers {
		wt.cancel()
	}
}
