package jmap

import (
	"context"
	"slices"
	"time"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
)

// maxChanges bounds one Email/changes page.
const maxChanges = 256

// InitialSync lists mailboxes, then pages through Email/query newest first. The Email
// state is taken from the first page, so anything that changes while paging is replayed
// by the next delta sync.
func (a *Adapter) InitialSync(ctx context.Context, opts provider.InitialSyncOptions, apply provider.BatchFunc) error {
	progress := opts.OnProgress
	progress.Report(provider.Progress{Phase: provider.PhaseMailboxes})

	labels, mailboxState, err := a.getMailboxes(ctx, nil)
	if err != nil {
		return err
	}
	if err := apply(ctx, &provider.Batch{Labels: labels}); err != nil {
		return err
	}

	accountID, err := a.c.accountID(ctx)
	if err != nil {
		return err
	}
	query := map[string]any{
		"accountId":      accountID,
		"sort":           []map[string]any{{"property": "receivedAt", "isAscending": false}},
		"limit":          pageSize,
		"calculateTotal": true,
	}
	if since := opts.Since(a.now()); !since.IsZero() {
		query["filter"] = map[string]any{"after": since.UTC().Format(time.RFC3339)}
	}

	var emailState string
	position := 0
	for {
		query["position"] = position
		res, err := a.c.call(ctx, "jmap Email/query",
			invoke("Email/query", "q", query),
			invoke("Email/get", "g", map[string]any{
				"accountId":  accountID,
				"#ids":       resultRef{ResultOf: "q", Name: "Email/query", Path: "/ids"},
				"properties": emailProperties,
			}),
		)
		if err != nil {
			return err
		}
		var q queryResponse
		if err := res.decode("q", &q); err != nil {
			return methodError("jmap Email/query", emailCursor, err)
		}
		var got getResponse[email]
		if err := res.decode("g", &got); err != nil {
			return methodError("jmap Email/get", emailCursor, err)
		}
		if emailState == "" {
			emailState = got.State
		}

		msgs, err := a.toMessages(ctx, got.List)
		if err != nil {
			return err
		}
		// Servers may cap the limit below pageSize, so a short page is not the end.
		position += len(q.IDs)
		last := len(q.IDs) == 0 || position >= q.Total

		batch := &provider.Batch{Messages: msgs}
		if last {
			batch.Cursors = map[string]string{mailboxCursor: mailboxState, emailCursor: emailState}
		}
		if err := apply(ctx, batch); err != nil {
			return err
		}
		progress.Report(provider.Progress{Phase: provider.PhaseMessages, Fetched: position, Total: q.Total})
		if last {
			break
		}
	}

	progress.Report(provider.Progress{Phase: provider.PhaseDone, Fetched: position, Total: position})
	return nil
}

// toMessages downloads and parses emails. Unparseable and vanished emails are skipped.
func (a *Adapter) toMessages(ctx context.Context, list []email) ([]*models.Message, error) {
	msgs := make([]*models.Message, 0, len(list))
	for _, e := range list {
		msg, err := a.toMessage(ctx, e)
		switch provider.KindOf(err) {
		case "":
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		case provider.ErrParse, provider.ErrNotFound:
			a.logger.Warn("skipping email", zap.String("email_id", e.ID), zap.Error(err))
		default:
			return nil, err
		}
	}
	return msgs, nil
}

// DeltaSync replays Mailbox changes, then Email changes. Each page is applied with the
// state it reached, so an interrupted run resumes from the last applied page.
func (a *Adapter) DeltaSync(ctx context.Context, cursors map[string]string, apply provider.BatchFunc) error {
	if err := a.mailboxDelta(ctx, cursors[mailboxCursor], apply); err != nil {
		return err
	}
	return a.emailDelta(ctx, cursors[emailCursor], apply)
}

func (a *Adapter) mailboxDelta(ctx context.Context, state string, apply provider.BatchFunc) error {
	accountID, err := a.c.accountID(ctx)
	if err != nil {
		return err
	}
	for {
		res, err := a.c.call(ctx, "jmap Mailbox/changes", invoke("Mailbox/changes", "c", map[string]any{
			"accountId":  accountID,
			"sinceState": state,
		}))
		if err != nil {
			return err
		}
		var ch changesResponse
		if err := res.decode("c", &ch); err != nil {
			return methodError("jmap Mailbox/changes", mailboxCursor, err)
		}

		batch := &provider.Batch{
			DeletedLabelIDs: ch.Destroyed,
			Cursors:         map[string]string{mailboxCursor: ch.NewState},
		}
		if changed := append(slices.Clone(ch.Created), ch.Updated...); len(changed) > 0 {
			if batch.Labels, _, err = a.getMailboxes(ctx, changed); err != nil {
				return err
			}
		}
		if err := apply(ctx, batch); err != nil {
			return err
		}

		state = ch.NewState
		if !ch.HasMoreChanges {
			return nil
		}
	}
}

func (a *Adapter) emailDelta(ctx context.Context, state string, apply provider.BatchFunc) error {
	accountID, err := a.c.accountID(ctx)
	if err != nil {
		return err
	}
	for {
		res, err := a.c.call(ctx, "jmap Email/changes", invoke("Email/changes", "c", map[string]any{
			"accountId":  accountID,
			"sinceState": state,
			"maxChanges": maxChanges,
		}))
		if err != nil {
			return err
		}
		var ch changesResponse
		if err := res.decode("c", &ch); err != nil {
			return methodError("jmap Email/changes", emailCursor, err)
		}

		batch := &provider.Batch{
			DeletedMessageIDs: ch.Destroyed,
			Cursors:           map[string]string{emailCursor: ch.NewState},
		}
		for _, ids := range chunk(ch.Created, pageSize) {
			list, _, err := a.getEmails(ctx, ids, emailProperties)
			if err != nil {
				return err
			}
			msgs, err := a.toMessages(ctx, list)
			if err != nil {
				return err
			}
			batch.Messages = append(batch.Messages, msgs...)
		}

		updated := without(ch.Updated, ch.Created)
		for _, ids := range chunk(updated, pageSize) {
			list, _, err := a.getEmails(ctx, ids, []string{"id", "mailboxIds", "keywords"})
			if err != nil {
				return err
			}
			for _, e := range list {
				batch.FlagChanges = append(batch.FlagChanges, provider.FlagChange{
					MessageID: e.ID,
					IsRead:    provider.Bool(e.Keywords["$seen"]),
					IsStarred: provider.Bool(e.Keywords["$flagged"]),
				})
				batch.LabelChanges = append(batch.LabelChanges, provider.LabelChange{
					MessageID: e.ID,
					Set:       mailboxIDs(e.MailboxIDs),
					Replace:   true,
				})
			}
		}

		if err := apply(ctx, batch); err != nil {
			return err
		}
		a.logger.Debug("applied email changes",
			zap.Int("created", len(ch.Created)),
			zap.Int("updated", len(updated)),
			zap.Int("destroyed", len(ch.Destroyed)),
		)

		state = ch.NewState
		if !ch.HasMoreChanges {
			return nil
		}
	}
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func without(ids, drop []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(drop, id) {
			out = append(out, id)
		}
	}
	return out
}
