// Package queue keeps user mutations durable until the provider has accepted them.
// Operations of one account replay strictly in the order they were recorded.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/accountlock"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownOperation is returned for operation kinds the queue cannot replay.
var ErrUnknownOperation = errors.New("unknown operation kind")

// Store is the durable part of the queue. *db.Store implements it.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	InsertPendingOperation(ctx context.Context, op *models.PendingOperation) error
	ListPendingOperations(ctx context.Context, accountID string) ([]*models.PendingOperation, error)
	GetPendingOperation(ctx context.Context, accountID, opID string) (*models.PendingOperation, error)
	DeletePendingOperation(ctx context.Context, accountID, opID string) error
	RecordOperationFailure(ctx context.Context, op *models.PendingOperation) error
	ResetPendingOperation(ctx context.Context, accountID, opID string, now time.Time) error
	CountPendingOperations(ctx context.Context, accountID string) (models.PendingCounts, error)
	AccountsWithPendingOperations(ctx context.Context) ([]string, error)
	SaveDraftRef(ctx context.Context, accountID, localID, draftID string) error
	ResolveDraftID(ctx context.Context, accountID, id string) (string, error)
}

var _ Store = (*db.Store)(nil)

// Providers resolves the adapter an operation is replayed through.
type Providers interface {
	Get(ctx context.Context, account *models.Account) (provider.Provider, error)
}

type Config struct {
	Store     Store
	Providers Providers
	Locks     *accountlock.Locks
	Bus       *events.Bus
	// MaxAttempts is how many failures turn an operation into the failed state.
	// Rate-limited attempts are rescheduled without counting.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Interval between flush rounds over all accounts.
	Interval time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Queue struct {
	store       Store
	providers   Providers
	locks       *accountlock.Locks
	bus         *events.Bus
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	interval    time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	kick chan string

	mu      sync.Mutex
	running map[string]bool
}

func New(cfg Config) *Queue {
	q := &Queue{
		store:       cfg.Store,
		providers:   cfg.Providers,
		locks:       cfg.Locks,
		bus:         cfg.Bus,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		interval:    cfg.Interval,
		logger:      cfg.Logger.Named("queue"),
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		kick:        make(chan string, 64),
		running:     make(map[string]bool),
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if q.baseBackoff <= 0 {
		q.baseBackoff = 5 * time.Second
	}
	if q.maxBackoff < q.baseBackoff {
		q.maxBackoff = 10 * time.Minute
	}
	if q.interval <= 0 {
		q.interval = 10 * time.Second
	}
	if q.locks == nil {
		q.locks = accountlock.New()
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Enqueue stores op durably. It must return before the cache is updated optimistically,
// so a crash in between loses the cache change but never the mutation.
func (q *Queue) Enqueue(ctx context.Context, op *models.PendingOperation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.State = models.OperationPending
	if err := q.store.InsertPendingOperation(ctx, op); err != nil {
		return err
	}
	q.logger.Debug("operation queued",
		zap.String("account_id", op.AccountID),
		zap.String("op_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.Int64("seq", op.Seq),
	)
	q.changed(ctx, op.AccountID, nil)
	q.Kick(op.AccountID)
	return nil
}

// Kick asks the run loop to flush an account soon. It never blocks.
func (q *Queue) Kick(accountID string) {
	select {
	case q.kick <- accountID:
	default:
	}
}

// List returns the account's operations in replay order.
func (q *Queue) List(ctx context.Context, accountID string) ([]*models.PendingOperation, error) {
	return q.store.ListPendingOperations(ctx, accountID)
}

func (q *Queue) Counts(ctx context.Context, accountID string) (models.PendingCounts, error) {
	return q.store.CountPendingOperations(ctx, accountID)
}

// Retry gives a failed operation a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, accountID, opID string) error {
	if err := q.store.ResetPendingOperation(ctx, accountID, opID, q.now()); err != nil {
		return err
	}
	q.logger.Info("operation retried", zap.String("account_id", accountID), zap.String("op_id", opID))
	q.changed(ctx, accountID, nil)
	q.Kick(accountID)
	return nil
}

// Clear drops an operation without replaying it.
func (q *Queue) Clear(ctx context.Context, accountID, opID string) error {
	if err := q.store.DeletePendingOperation(ctx, accountID, opID); err != nil {
		return err
	}
	q.logger.Info("operation cleared", zap.String("account_id", accountID), zap.String("op_id", opID))
	q.changed(ctx, accountID, nil)
	return nil
}

// Flush replays the account's due operations in seq order and returns how many the
// provider accepted. It stops at the first pending operation that is still backing off
// or fails again; failed operations are skipped. Draft ids the provider assigns are
// recorded, so later operations may address a draft by its create_draft operation id.
func (q *Queue) Flush(ctx context.Context, accountID string) (int, error) {
	unlock := q.locks.Lock(accountID)
	defer unlock()

	ops, err := q.store.ListPendingOperations(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, nil
	}

	account, err := q.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if account.NeedsReauth {
		return 0, nil
	}

	logger := q.logger.With(zap.String("account_id", accountID))
	var p provider.Provider
	done := 0
	dirty := false
	drafts := make(map[string]string)
	defer func() {
		if dirty {
			q.changed(context.WithoutCancel(ctx), accountID, drafts)
		}
	}()

	for _, op := range ops {
		if op.State == models.OperationFailed {
			continue
		}
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if op.NextAttemptAt.After(q.now()) {
			break
		}
		if p == nil {
			if p, err = q.providers.Get(ctx, account); err != nil {
				return done, err
			}
		}

		ref, execErr := q.replay(ctx, p, op)
		if execErr == nil || (provider.KindOf(execErr) == provider.ErrNotFound && removesMessages(op.Kind)) {
			if ref != nil {
				if err := q.store.SaveDraftRef(context.WithoutCancel(ctx), accountID, ref.localID, ref.draftID); err != nil {
					return done, err
				}
				drafts[ref.localID] = ref.draftID
			}
			if err := q.store.DeletePendingOperation(context.WithoutCancel(ctx), accountID, op.ID); err != nil && !errors.Is(err, db.ErrOperationNotFound) {
				return done, err
			}
			q.metrics.RecordQueueOp(string(op.Kind), "success")
			logger.Debug("operation applied", zap.String("op_id", op.ID), zap.String("kind", string(op.Kind)))
			done++
			dirty = true
			continue
		}

		if err := q.recordFailure(ctx, op, execErr); err != nil {
			if errors.Is(err, db.ErrOperationNotFound) {
				logger.Debug("operation cleared during replay", zap.String("op_id", op.ID))
				dirty = true
				continue
			}
			return done, err
		}
		dirty = true
		if op.State == models.OperationFailed {
			logger.Warn("operation failed permanently",
				zap.String("op_id", op.ID),
				zap.String("kind", string(op.Kind)),
				zap.Int("attempts", op.Attempts),
				zap.Error(execErr),
			)
			continue
		}
		logger.Info("operation will be retried",
			zap.String("op_id", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.Int("attempts", op.Attempts),
			zap.Time("next_attempt_at", op.NextAttemptAt),
			zap.Error(execErr),
		)
		break
	}
	return done, nil
}

// recordFailure schedules the next attempt. Rate limiting waits out the next backoff
// step without spending an attempt.
func (q *Queue) recordFailure(ctx context.Context, op *models.PendingOperation, cause error) error {
	op.LastError = cause.Error()
	result := "rate_limited"
	if provider.KindOf(cause) == provider.ErrRateLimited {
		op.NextAttemptAt = q.now().Add(q.backoff(op.Attempts + 1))
	} else {
		op.Attempts++
		op.NextAttemptAt = q.now().Add(q.backoff(op.Attempts))
		result = "retry"
		if op.Attempts >= q.maxAttempts {
			op.State = models.OperationFailed
			result = "failed"
		}
	}
	q.metrics.RecordQueueOp(string(op.Kind), result)
	if err := q.store.RecordOperationFailure(context.WithoutCancel(ctx), op); err != nil {
		return fmt.Errorf("failed to record failure of operation %s: %w", op.ID, err)
	}
	return nil
}

// backoff is base*2^(attempts-1), capped at the maximum.
func (q *Queue) backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(q.baseBackoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(q.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// changed publishes the account's new queue counts along with any draft ids assigned.
func (q *Queue) changed(ctx context.Context, accountID string, drafts map[string]string) {
	counts, err := q.store.CountPendingOperations(ctx, accountID)
	if err != nil {
		q.logger.Warn("failed to count pending operations", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	q.metrics.SetQueueDepth(accountID, counts.Pending, counts.Failed)
	if q.bus != nil {
		change := models.PendingChange{PendingCounts: counts}
		if len(drafts) > 0 {
			change.Drafts = drafts
		}
		q.bus.Publish(events.Event{Type: events.PendingChanged, AccountID: accountID, Time: q.now(), Data: change})
	}
}

// Run flushes accounts with due operations every interval and whenever Kick is called,
// until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case accountID := <-q.kick:
			q.flushAsync(ctx, accountID)
		case <-ticker.C:
			q.flushAll(ctx)
		}
	}
}

func (q *Queue) flushAll(ctx context.Context) {
	accounts, err := q.store.AccountsWithPendingOperations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to list accounts with pending operations", zap.Error(err))
		}
		return
	}
	g := &errgroup.Group{}
	g.SetLimit(4)
	for _, accountID := range accounts {
		g.Go(func() error {
			q.flushLogged(ctx, accountID)
			return nil
		})
	}
	_ = g.Wait()
}

// flushAsync flushes one account in the background unless a flush of it is running.
func (q *Queue) flushAsync(ctx context.Context, accountID string) {
	q.mu.Lock()
	if q.running[accountID] {
		q.mu.Unlock()
		return
	}
	q.running[accountID] = true
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			delete(q.running, accountID)
			q.mu.Unlock()
		}()
		q.flushLogged(ctx, accountID)
	}()
}

func (q *Queue) flushLogged(ctx context.Context, accountID string) {
	if _, err := q.Flush(ctx, accountID); err != nil && ctx.Err() == nil {
		q.logger.Warn("flush failed", zap.String("account_id", accountID), zap.Error(err))
	}
}
