// Package syncengine drives account synchronization: it picks the adapter of an account,
// runs initial or delta syncs and writes the streamed batches into the cache.
package syncengine

import (
	"context"
	"fmt"
	"slices"

	"github.com/vdavid/mailsync/internal/accountlock"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/threading"
	"go.uber.org/zap"
)

// CacheStore is the part of the cache the engine writes to. *db.Store implements it.
type CacheStore interface {
	IngestMessage(ctx context.Context, msg *models.Message) error
	GetMessageThreadIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]string, error)
	GetThreadingCandidates(ctx context.Context, accountID string, tokens []string) ([]db.ThreadingCandidate, error)
	ApplyThreadAssignments(ctx context.Context, accountID string, assignments map[string]string, touched []string) (int64, error)
	RefreshAndPrune(ctx context.Context, accountID string, threadIDs []string) error

	UpsertLabels(ctx context.Context, labels []*models.Label) error
	DeleteLabels(ctx context.Context, accountID string, labelIDs []string) error

	UpdateMessageFlags(ctx context.Context, accountID string, messageIDs []string, isRead, isStarred *bool) ([]string, error)
	ModifyMessageLabels(ctx context.Context, accountID string, messageIDs, add, remove []string) ([]string, error)
	SetMessageLabels(ctx context.Context, accountID, messageID string, labelIDs []string) (string, error)
	DeleteMessages(ctx context.Context, accountID string, messageIDs []string) ([]string, error)
	DeleteFolderMessagesNotIn(ctx context.Context, accountID, folder string, maxUID int64, keep []string) ([]string, error)

	GetCursors(ctx context.Context, accountID string) (map[string]string, error)
	SetCursor(ctx context.Context, accountID, objectType, state string) error
	ClearCursor(ctx context.Context, accountID, objectType string) error
}

var _ CacheStore = (*db.Store)(nil)

// Engine applies provider batches to the cache.
type Engine struct {
	store   CacheStore
	locks   *accountlock.Locks
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewEngine(store CacheStore, locks *accountlock.Locks, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   store,
		locks:   locks,
		logger:  logger.Named("engine"),
		metrics: m,
	}
}

// ApplyResult summarizes one applied batch.
type ApplyResult struct {
	Ingested   int
	Reassigned int
}

// Apply writes batch for the account. Once started, a batch is written to the end even
// if ctx is cancelled; cursors are stored last, so a batch replayed after a crash only
// rewrites the same rows.
func (e *Engine) Apply(ctx context.Context, accountID string, kind models.ProviderKind, batch *provider.Batch) (ApplyResult, error) {
	ctx = context.WithoutCancel(ctx)
	var res ApplyResult
	touched := newIDSet()

	if len(batch.Labels) > 0 {
		for _, l := range batch.Labels {
			l.AccountID = accountID
		}
		if err := e.store.UpsertLabels(ctx, batch.Labels); err != nil {
			return res, err
		}
	}

	if err := e.ingest(ctx, accountID, batch, touched); err != nil {
		return res, err
	}
	res.Ingested = len(batch.Messages)

	if err := e.applyChanges(ctx, accountID, batch, touched); err != nil {
		return res, err
	}

	if !batch.NativeThreads && len(batch.Messages) > 0 {
		n, err := e.rethread(ctx, accountID, batch.Messages, touched)
		if err != nil {
			return res, err
		}
		res.Reassigned = n
	} else if err := e.store.RefreshAndPrune(ctx, accountID, touched.list()); err != nil {
		return res, err
	}

	if len(batch.DeletedLabelIDs) > 0 {
		if err := e.store.DeleteLabels(ctx, accountID, batch.DeletedLabelIDs); err != nil {
			return res, err
		}
	}

	for _, objectType := range batch.ClearedCursors {
		if err := e.store.ClearCursor(ctx, accountID, objectType); err != nil {
			return res, err
		}
	}
	for objectType, state := range batch.Cursors {
		if err := e.store.SetCursor(ctx, accountID, objectType, state); err != nil {
			return res, err
		}
	}

	e.metrics.RecordMessagesIngested(string(kind), res.Ingested)
	return res, nil
}

// ingest writes messages thread row first. Without native threads a message keeps the
// thread it is cached in, and a new one gets a placeholder thread named after itself.
func (e *Engine) ingest(ctx context.Context, accountID string, batch *provider.Batch, touched idSet) error {
	if len(batch.Messages) == 0 {
		return nil
	}

	var existing map[string]string
	if !batch.NativeThreads {
		ids := make([]string, len(batch.Messages))
		for i, m := range batch.Messages {
			ids[i] = m.ID
		}
		var err error
		if existing, err = e.store.GetMessageThreadIDs(ctx, accountID, ids); err != nil {
			return err
		}
	}

	for _, msg := range batch.Messages {
		msg.AccountID = accountID
		msg.ThreadTokens = threading.Tokens(msg.MessageIDHeader, msg.InReplyTo, msg.References)
		switch {
		case batch.NativeThreads && msg.ThreadID != "":
		case existing[msg.ID] != "":
			msg.ThreadID = existing[msg.ID]
		default:
			msg.ThreadID = msg.ID
		}
		if err := e.store.IngestMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to ingest message %s: %w", msg.ID, err)
		}
		touched.add(msg.ThreadID)
	}
	return nil
}

func (e *Engine) applyChanges(ctx context.Context, accountID string, batch *provider.Batch, touched idSet) error {
	if len(batch.DeletedMessageIDs) > 0 {
		threads, err := e.store.DeleteMessages(ctx, accountID, batch.DeletedMessageIDs)
		if err != nil {
			return err
		}
		touched.add(threads...)
	}

	for _, fc := range batch.FlagChanges {
		threads, err := e.store.UpdateMessageFlags(ctx, accountID, []string{fc.MessageID}, fc.IsRead, fc.IsStarred)
		if err != nil {
			return err
		}
		touched.add(threads...)
	}

	for _, lc := range batch.LabelChanges {
		if lc.Replace {
			thread, err := e.store.SetMessageLabels(ctx, accountID, lc.MessageID, lc.Set)
			if err != nil {
				return err
			}
			touched.add(thread)
			continue
		}
		threads, err := e.store.ModifyMessageLabels(ctx, accountID, []string{lc.MessageID}, lc.Added, lc.Removed)
		if err != nil {
			return err
		}
		touched.add(threads...)
	}

	if s := batch.Snapshot; s != nil {
		threads, err := e.store.DeleteFolderMessagesNotIn(ctx, accountID, s.Folder, s.MaxUID, s.MessageIDs)
		if err != nil {
			return err
		}
		touched.add(threads...)
	}
	return nil
}

// rethread joins the batch's messages with cached conversations that share a token and
// writes every resulting reassignment in one update. It holds the account lock so queue
// flushes never interleave with the rewrite.
func (e *Engine) rethread(ctx context.Context, accountID string, msgs []*models.Message, touched idSet) (int, error) {
	unlock := e.locks.Lock(accountID)
	defer unlock()

	tokens := newIDSet()
	nodes := make([]threading.Node, 0, len(msgs))
	inBatch := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		tokens.add(m.ThreadTokens...)
		inBatch[m.ID] = true
		nodes = append(nodes, threading.Node{
			ID:              m.ID,
			ThreadID:        m.ThreadID,
			MessageIDHeader: m.MessageIDHeader,
			InReplyTo:       m.InReplyTo,
			References:      m.References,
		})
	}

	candidates, err := e.store.GetThreadingCandidates(ctx, accountID, tokens.list())
	if err != nil {
		return 0, err
	}
	current := make(map[string]string, len(msgs)+len(candidates))
	for _, n := range nodes {
		current[n.ID] = n.ThreadID
	}
	for _, c := range candidates {
		if inBatch[c.ID] {
			continue
		}
		current[c.ID] = c.ThreadID
		nodes = append(nodes, threading.Node{
			ID:              c.ID,
			ThreadID:        c.ThreadID,
			MessageIDHeader: c.MessageIDHeader,
			InReplyTo:       c.InReplyTo,
			References:      c.References,
		})
	}

	assignments := threading.Reconstruct(nodes)
	for id, threadID := range assignments {
		touched.add(current[id], threadID)
	}
	deleted, err := e.store.ApplyThreadAssignments(ctx, accountID, assignments, touched.list())
	if err != nil {
		return 0, fmt.Errorf("failed to apply thread assignments: %w", err)
	}

	moved := 0
	for id, threadID := range assignments {
		if current[id] != threadID {
			moved++
		}
	}
	if moved > 0 {
		e.metrics.RecordThreadReassignments(moved)
		e.logger.Debug("threads merged",
			zap.String("account_id", accountID),
			zap.Int("reassigned", moved),
			zap.Int64("placeholders_deleted", deleted),
		)
	}
	return moved, nil
}

// idSet collects distinct non-empty ids in insertion order.
type idSet struct {
	seen  map[string]struct{}
	order *[]string
}

func newIDSet() idSet {
	return idSet{seen: make(map[string]struct{}), order: new([]string)}
}

func (s idSet) add(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		*s.order = append(*s.order, id)
	}
}

func (s idSet) list() []string {
	return slices.Clone(*s.order)
}
