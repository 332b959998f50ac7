package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

type fakeProvider struct {
	provider.Provider

	mu       sync.Mutex
	calls    []string
	failWith map[string]error
	// hook runs before each call is recorded.
	hook func(call string)
}

func (f *fakeProvider) record(call string) error {
	if f.hook != nil {
		f.hook(call)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failWith[call]
}

func (f *fakeProvider) setFailure(call string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failWith, call)
		return
	}
	f.failWith[call] = err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) Archive(ctx context.Context, t provider.Target) error {
	return f.record("archive:" + t.ThreadID)
}

func (f *fakeProvider) Trash(ctx context.Context, t provider.Target) error {
	return f.record("trash:" + t.ThreadID)
}

func (f *fakeProvider) Star(ctx context.Context, t provider.Target, starred bool) error {
	if starred {
		return f.record("star:" + t.ThreadID)
	}
	return f.record("unstar:" + t.ThreadID)
}

func (f *fakeProvider) SendMessage(ctx context.Context, d *models.Draft) error {
	return f.record("send:" + d.Subject)
}

func (f *fakeProvider) CreateDraft(ctx context.Context, d *models.Draft) (string, error) {
	if err := f.record("create_draft:" + d.Subject); err != nil {
		return "", err
	}
	return "r-" + d.Subject, nil
}

func (f *fakeProvider) UpdateDraft(ctx context.Context, draftID string, d *models.Draft) (string, error) {
	return draftID, f.record("update_draft:" + draftID)
}

func (f *fakeProvider) DeleteDraft(ctx context.Context, draftID string) error {
	return f.record("delete_draft:" + draftID)
}

type fakeProviders struct{ p provider.Provider }

func (f fakeProviders) Get(ctx context.Context, account *models.Account) (provider.Provider, error) {
	return f.p, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type queueEnv struct {
	q         *Queue
	store     *db.Store
	fake      *fakeProvider
	clock     *clock
	accountID string

	mu      sync.Mutex
	changes []models.PendingChange
}

func newQueueEnv(t *testing.T) *queueEnv {
	t.Helper()
	pool := testutil.NewTestDB(t)
	store := db.NewStore(pool)
	fake := &fakeProvider{failWith: make(map[string]error)}
	// ahead of the database clock that stamps next_attempt_at on insert
	c := &clock{now: time.Now().Add(time.Minute)}

	bus := events.New(64, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	t.Cleanup(cancel)

	e := &queueEnv{
		q: New(Config{
			Store:       store,
			Providers:   fakeProviders{p: fake},
			Bus:         bus,
			MaxAttempts: 3,
			BaseBackoff: time.Second,
			MaxBackoff:  time.Minute,
			Logger:      zap.NewNop(),
			Now:         c.Now,
		}),
		store:     store,
		fake:      fake,
		clock:     c,
		accountID: testutil.CreateTestAccount(t, pool, "imap"),
	}
	bus.Subscribe(func(ev events.Event) {
		if change, ok := ev.Data.(models.PendingChange); ok && ev.Type == events.PendingChanged {
			e.mu.Lock()
			e.changes = append(e.changes, change)
			e.mu.Unlock()
		}
	})
	return e
}

// publishedDrafts merges the draft ids of every pending change seen so far.
func (e *queueEnv) publishedDrafts() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string)
	for _, c := range e.changes {
		for k, v := range c.Drafts {
			out[k] = v
		}
	}
	return out
}

func (e *queueEnv) enqueue(t *testing.T, kind models.OperationKind, threadID string, pl Payload) *models.PendingOperation {
	t.Helper()
	pl.Target = provider.Target{ThreadID: threadID}
	payload, err := pl.Encode()
	require.NoError(t, err)
	op := &models.PendingOperation{
		AccountID:    e.accountID,
		ResourceType: "thread",
		ResourceID:   threadID,
		Kind:         kind,
		Payload:      payload,
	}
	require.NoError(t, e.q.Enqueue(context.Background(), op))
	return op
}

func (e *queueEnv) flush(t *testing.T) int {
	t.Helper()
	n, err := e.q.Flush(context.Background(), e.accountID)
	require.NoError(t, err)
	return n
}

func (e *queueEnv) get(t *testing.T, opID string) *models.PendingOperation {
	t.Helper()
	op, err := e.store.GetPendingOperation(context.Background(), e.accountID, opID)
	require.NoError(t, err)
	return op
}

func TestPendingOperationLifecycle(t *testing.T) {
	e := newQueueEnv(t)
	ctx := context.Background()
	e.fake.setFailure("archive:t1", errors.New("server unavailable"))

	op := e.enqueue(t, models.OpArchive, "t1", Payload{})
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, models.OperationPending, op.State)

	assert.Zero(t, e.flush(t))
	got := e.get(t, op.ID)
	assert.Equal(t, models.OperationPending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "server unavailable", got.LastError)
	assert.WithinDuration(t, e.clock.Now().Add(time.Second), got.NextAttemptAt, time.Millisecond)

	e.flush(t)
	assert.Equal(t, 1, e.fake.callCount(), "not retried before the backoff elapsed")

	e.clock.Advance(time.Second)
	e.flush(t)
	got = e.get(t, op.ID)
	assert.Equal(t, models.OperationPending, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.WithinDuration(t, e.clock.Now().Add(2*time.Second), got.NextAttemptAt, time.Millisecond)

	e.clock.Advance(2 * time.Second)
	e.flush(t)
	got = e.get(t, op.ID)
	assert.Equal(t, models.OperationFailed, got.State)
	assert.Equal(t, 3, got.Attempts)

	e.clock.Advance(time.Hour)
	e.flush(t)
	assert.Equal(t, 3, e.fake.callCount(), "failed operations are not retried automatically")

	counts, err := e.q.Counts(ctx, e.accountID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingCounts{Pending: 0, Failed: 1}, counts)

	require.NoError(t, e.q.Retry(ctx, e.accountID, op.ID))
	got = e.get(t, op.ID)
	assert.Equal(t, models.OperationPending, got.State)
	assert.Zero(t, got.Attempts)

	e.fake.setFailure("archive:t1", nil)
	assert.Equal(t, 1, e.flush(t))
	_, err = e.store.GetPendingOperation(ctx, e.accountID, op.ID)
	assert.ErrorIs(t, err, db.ErrOperationNotFound)

	other := e.enqueue(t, models.OpStar, "t2", Payload{Value: true})
	require.NoError(t, e.q.Clear(ctx, e.accountID, other.ID))
	counts, err = e.q.Counts(ctx, e.accountID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingCounts{}, counts)
	assert.ErrorIs(t, e.q.Clear(ctx, e.accountID, other.ID), db.ErrOperationNotFound)
}

func TestFlushIsFIFO(t *testing.T) {
	e := newQueueEnv(t)
	e.fake.setFailure("archive:t1", errors.New("timeout"))

	first := e.enqueue(t, models.OpArchive, "t1", Payload{})
	e.enqueue(t, models.OpStar, "t2", Payload{Value: true})
	e.enqueue(t, models.OpSend, "", Payload{Draft: &models.Draft{Subject: "hello"}})

	e.flush(t)
	assert.Equal(t, []string{"archive:t1"}, e.fake.calls, "a backing-off head blocks the rest")

	e.clock.Advance(time.Second)
	e.flush(t)
	e.clock.Advance(2 * time.Second)
	e.flush(t)
	assert.Equal(t, models.OperationFailed, e.get(t, first.ID).State)
	assert.Equal(t, []string{"archive:t1", "archive:t1", "archive:t1", "star:t2", "send:hello"}, e.fake.calls,
		"once the head failed the rest replays in order")

	ops, err := e.q.List(context.Background(), e.accountID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, first.ID, ops[0].ID)
}

func TestFlushTreatsMissingTargetAsDone(t *testing.T) {
	e := newQueueEnv(t)
	e.fake.setFailure("trash:t1", provider.Errorf(provider.ErrNotFound, "fake trash", "no such message"))
	op := e.enqueue(t, models.OpTrash, "t1", Payload{})

	assert.Equal(t, 1, e.flush(t))
	_, err := e.store.GetPendingOperation(context.Background(), e.accountID, op.ID)
	assert.ErrorIs(t, err, db.ErrOperationNotFound)
}

func TestRateLimitedOperationKeepsItsAttempts(t *testing.T) {
	e := newQueueEnv(t)
	e.fake.setFailure("archive:t1", provider.Errorf(provider.ErrRateLimited, "fake archive", "slow down"))
	op := e.enqueue(t, models.OpArchive, "t1", Payload{})

	for i := 0; i < 5; i++ {
		assert.Zero(t, e.flush(t))
		got := e.get(t, op.ID)
		assert.Equal(t, models.OperationPending, got.State)
		assert.Zero(t, got.Attempts)
		assert.WithinDuration(t, e.clock.Now().Add(time.Second), got.NextAttemptAt, time.Millisecond)
		e.clock.Advance(time.Second)
	}
	assert.Equal(t, 5, e.fake.callCount())

	e.fake.setFailure("archive:t1", nil)
	assert.Equal(t, 1, e.flush(t))
}

func TestFlushSkipsOperationClearedDuringReplay(t *testing.T) {
	e := newQueueEnv(t)
	e.fake.setFailure("archive:t1", errors.New("connection reset"))
	first := e.enqueue(t, models.OpArchive, "t1", Payload{})
	e.enqueue(t, models.OpStar, "t2", Payload{Value: true})
	e.fake.hook = func(call string) {
		if call == "archive:t1" {
			require.NoError(t, e.q.Clear(context.Background(), e.accountID, first.ID))
		}
	}

	assert.Equal(t, 1, e.flush(t))
	assert.Equal(t, []string{"archive:t1", "star:t2"}, e.fake.calls)
	ops, err := e.q.List(context.Background(), e.accountID)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDraftOperationsFollowCreatedDraft(t *testing.T) {
	e := newQueueEnv(t)
	ctx := context.Background()

	create := e.enqueue(t, models.OpCreateDraft, "", Payload{Draft: &models.Draft{Subject: "hi"}})
	e.enqueue(t, models.OpUpdateDraft, "", Payload{DraftID: create.ID, Draft: &models.Draft{Subject: "hi again"}})
	assert.Equal(t, 2, e.flush(t))

	e.enqueue(t, models.OpDeleteDraft, "", Payload{DraftID: create.ID})
	assert.Equal(t, 1, e.flush(t))
	assert.Equal(t, []string{"create_draft:hi", "update_draft:r-hi", "delete_draft:r-hi"}, e.fake.calls)

	id, err := e.store.ResolveDraftID(ctx, e.accountID, create.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-hi", id)
	require.Eventually(t, func() bool {
		return e.publishedDrafts()[create.ID] == "r-hi"
	}, time.Second, 10*time.Millisecond)
}

func TestFlushRejectsUnknownKind(t *testing.T) {
	e := newQueueEnv(t)
	op := e.enqueue(t, "rewrite_history", "t1", Payload{})

	e.flush(t)
	got := e.get(t, op.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "unknown operation kind")
}

func TestBackoff(t *testing.T) {
	q := New(Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second, Logger: zap.NewNop()})
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 8*time.Second, q.backoff(4))
	assert.Equal(t, 10*time.Second, q.backoff(5))
	assert.Equal(t, 10*time.Second, q.backoff(60))
}
