package gmail

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
	gmail "google.golang.org/api/gmail/v1"
)

// InitialSync snapshots the mailbox historyId, then lists messages within the retention
// window page by page. The last batch carries the snapshot as the history cursor, so
// changes made while listing are replayed by the next delta.
func (a *Adapter) InitialSync(ctx context.Context, opts provider.InitialSyncOptions, apply provider.BatchFunc) error {
	profile, err := a.svc.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return classify("gmail profile", err)
	}
	cursor := strconv.FormatUint(profile.HistoryId, 10)

	opts.OnProgress.Report(provider.Progress{Phase: provider.PhaseLabels})
	labels, err := a.ListFolders(ctx)
	if err != nil {
		return err
	}
	if err := apply(ctx, &provider.Batch{Labels: labels, NativeThreads: true}); err != nil {
		return err
	}

	call := a.svc.Users.Messages.List(userID).MaxResults(listPageSize)
	if since := opts.Since(a.now()); !since.IsZero() {
		call = call.Q("after:" + since.Format("2006/01/02"))
	}

	fetched := 0
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return classify("gmail messages.list", err)
		}

		ids := make([]string, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		batch, err := a.fetchBatch(ctx, ids)
		if err != nil {
			return err
		}
		if resp.NextPageToken == "" {
			batch.Cursors = map[string]string{historyCursor: cursor}
		}
		if err := apply(ctx, batch); err != nil {
			return err
		}

		fetched += len(ids)
		opts.OnProgress.Report(provider.Progress{Phase: provider.PhaseMessages, Fetched: fetched, Total: int(resp.ResultSizeEstimate)})

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	opts.OnProgress.Report(provider.Progress{Phase: provider.PhaseDone})
	return nil
}

// fetchBatch fetches ids in raw format. Messages deleted since they were listed are skipped,
// unparseable ones are logged and counted.
func (a *Adapter) fetchBatch(ctx context.Context, ids []string) (*provider.Batch, error) {
	batch := &provider.Batch{NativeThreads: true}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, raw, err := a.getRaw(ctx, id)
		if provider.KindOf(err) == provider.ErrNotFound {
			continue
		}
		if provider.KindOf(err) == provider.ErrParse {
			a.logger.Warn("skipping undecodable message", zap.String("message_id", id), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}

		msg, err := a.toMessage(m, raw)
		if err != nil {
			a.metrics.RecordParseError(string(models.ProviderGmail))
			a.logger.Warn("skipping unparseable message", zap.String("message_id", id), zap.Error(err))
			continue
		}
		batch.Messages = append(batch.Messages, msg)
	}
	return batch, nil
}

// historyDelta accumulates the records of every history page.
type historyDelta struct {
	added     []string
	addedSet  map[string]bool
	deleted   map[string]bool
	changes   map[string]*provider.LabelChange
	order     []string
	historyID uint64
}

func newHistoryDelta() *historyDelta {
	return &historyDelta{
		addedSet: make(map[string]bool),
		deleted:  make(map[string]bool),
		changes:  make(map[string]*provider.LabelChange),
	}
}

func (d *historyDelta) add(h *gmail.History) {
	for _, r := range h.MessagesAdded {
		if r.Message != nil && !d.addedSet[r.Message.Id] {
			d.addedSet[r.Message.Id] = true
			d.added = append(d.added, r.Message.Id)
		}
	}
	for _, r := range h.MessagesDeleted {
		if r.Message != nil {
			d.deleted[r.Message.Id] = true
		}
	}
	for _, r := range h.LabelsAdded {
		if r.Message != nil {
			c := d.change(r.Message.Id)
			c.Added = appendUnique(c.Added, r.LabelIds...)
			c.Removed = without(c.Removed, r.LabelIds...)
		}
	}
	for _, r := range h.LabelsRemoved {
		if r.Message != nil {
			c := d.change(r.Message.Id)
			c.Removed = appendUnique(c.Removed, r.LabelIds...)
			c.Added = without(c.Added, r.LabelIds...)
		}
	}
}

func (d *historyDelta) change(id string) *provider.LabelChange {
	c, ok := d.changes[id]
	if !ok {
		c = &provider.LabelChange{MessageID: id}
		d.changes[id] = c
		d.order = append(d.order, id)
	}
	return c
}

// DeltaSync replays history from the stored historyId across all pages. Labels are
// re-listed first, since history has no records for created or renamed labels. Added
// messages are fetched in full; label records of messages fetched in full are dropped
// since the fetch already reflects them. A 404 means the historyId aged out and returns
// STATE_EXPIRED.
func (a *Adapter) DeltaSync(ctx context.Context, cursors map[string]string, apply provider.BatchFunc) error {
	start, err := strconv.ParseUint(cursors[historyCursor], 10, 64)
	if err != nil {
		return provider.StateExpired("gmail history", historyCursor, fmt.Errorf("invalid history cursor %q: %w", cursors[historyCursor], err))
	}

	delta := newHistoryDelta()
	call := a.svc.Users.History.List(userID).StartHistoryId(start).MaxResults(500)
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if isNotFound(err) {
			return provider.StateExpired("gmail history.list", historyCursor, err)
		}
		if err != nil {
			return classify("gmail history.list", err)
		}
		for _, h := range resp.History {
			delta.add(h)
		}
		delta.historyID = resp.HistoryId
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	labels, err := a.ListFolders(ctx)
	if err != nil {
		return err
	}
	if err := apply(ctx, &provider.Batch{Labels: labels, NativeThreads: true}); err != nil {
		return err
	}

	var toFetch []string
	for _, id := range delta.added {
		if !delta.deleted[id] {
			toFetch = append(toFetch, id)
		}
	}
	a.logger.Debug("gmail history replayed",
		zap.Int("added", len(toFetch)),
		zap.Int("deleted", len(delta.deleted)),
		zap.Int("label_changes", len(delta.changes)),
	)

	for i := 0; i < len(toFetch); i += listPageSize {
		batch, err := a.fetchBatch(ctx, toFetch[i:min(i+listPageSize, len(toFetch))])
		if err != nil {
			return err
		}
		if err := apply(ctx, batch); err != nil {
			return err
		}
	}

	final := &provider.Batch{NativeThreads: true}
	for id := range delta.deleted {
		final.DeletedMessageIDs = append(final.DeletedMessageIDs, id)
	}
	for _, id := range delta.order {
		if delta.addedSet[id] || delta.deleted[id] {
			continue
		}
		c := delta.changes[id]
		final.LabelChanges = append(final.LabelChanges, *c)
		if fc, ok := flagChange(c); ok {
			final.FlagChanges = append(final.FlagChanges, fc)
		}
	}
	next := delta.historyID
	if next < start {
		next = start
	}
	final.Cursors = map[string]string{historyCursor: strconv.FormatUint(next, 10)}
	return apply(ctx, final)
}

// flagChange derives read and starred state from UNREAD and STARRED label records.
func flagChange(c *provider.LabelChange) (provider.FlagChange, bool) {
	fc := provider.FlagChange{MessageID: c.MessageID}
	if hasLabel(c.Added, "UNREAD") {
		fc.IsRead = provider.Bool(false)
	} else if hasLabel(c.Removed, "UNREAD") {
		fc.IsRead = provider.Bool(true)
	}
	if hasLabel(c.Added, "STARRED") {
		fc.IsStarred = provider.Bool(true)
	} else if hasLabel(c.Removed, "STARRED") {
		fc.IsStarred = provider.Bool(false)
	}
	return fc, fc.IsRead != nil || fc.IsStarred != nil
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		if !hasLabel(list, it) {
			list = append(list, it)
		}
	}
	return list
}

func without(list []string, items ...string) []string {
	out := list[:0]
	for _, l := range list {
		if !hasLabel(items, l) {
			out = append(out, l)
		}
	}
	return out
}
