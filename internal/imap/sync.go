package imap

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
)

// InitialSync lists folders and fetches every selectable folder newest-first within the
// retention window. Each folder's last batch carries its cursor and a snapshot of all
// UIDs still present, so re-running it also drops messages expunged meanwhile.
func (a *Adapter) InitialSync(ctx context.Context, opts provider.InitialSyncOptions, apply provider.BatchFunc) error {
	since := opts.Since(a.now())

	return a.withClient(ctx, func(c *client.Client) error {
		opts.OnProgress.Report(provider.Progress{Phase: provider.PhaseFolders})
		folders, err := a.listFolders(c)
		if err != nil {
			return err
		}
		if err := apply(ctx, &provider.Batch{Labels: folders}); err != nil {
			return err
		}

		for _, f := range folders {
			if f.NoSelect {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := a.syncFolderInitial(ctx, c, f.ID, since, opts.OnProgress, apply); err != nil {
				return err
			}
		}

		opts.OnProgress.Report(provider.Progress{Phase: provider.PhaseThreading})
		opts.OnProgress.Report(provider.Progress{Phase: provider.PhaseDone})
		return nil
	})
}

func (a *Adapter) syncFolderInitial(ctx context.Context, c *client.Client, folder string, since time.Time, progress provider.ProgressFunc, apply provider.BatchFunc) error {
	status, err := c.Select(folder, true)
	if err != nil {
		return wrapErr("imap select "+folder, err)
	}

	uids, err := SearchSince(c, since)
	if err != nil {
		return wrapErr("imap search "+folder, err)
	}
	all, err := SearchAll(c)
	if err != nil {
		return wrapErr("imap search "+folder, err)
	}

	cursor := folderCursor{UIDValidity: status.UidValidity, LastUID: lastUID(status, all)}
	a.logger.Debug("initial folder sync",
		zap.String("folder", folder),
		zap.Int("messages", len(uids)),
		zap.Uint32("uid_validity", cursor.UIDValidity),
	)

	if err := a.fetchAndApply(ctx, c, folder, uids, progress, apply); err != nil {
		return err
	}

	return apply(ctx, &provider.Batch{
		Snapshot: &provider.FolderSnapshot{
			Folder:     folder,
			MaxUID:     int64(cursor.LastUID),
			MessageIDs: a.messageIDs(folder, all),
		},
		Cursors: map[string]string{cursorKey(folder): cursor.encode()},
	})
}

// fetchAndApply fetches uids in pages of fetchBatchSize, one batch per page.
func (a *Adapter) fetchAndApply(ctx context.Context, c *client.Client, folder string, uids []uint32, progress provider.ProgressFunc, apply provider.BatchFunc) error {
	fetched := 0
	progress.Report(provider.Progress{Phase: provider.PhaseMessages, Folder: folder, Total: len(uids)})

	for _, page := range chunk(uids, fetchBatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := FetchFullMessages(c, page)
		if err != nil {
			return wrapErr("imap fetch "+folder, err)
		}

		batch := &provider.Batch{}
		for _, m := range msgs {
			msg, err := a.toMessage(folder, m)
			if err != nil {
				a.metrics.RecordParseError(string(models.ProviderIMAP))
				a.logger.Warn("skipping unparseable message", zap.String("folder", folder), zap.Uint32("uid", m.Uid), zap.Error(err))
				continue
			}
			batch.Messages = append(batch.Messages, msg)
		}

		if err := apply(ctx, batch); err != nil {
			return err
		}
		fetched += len(page)
		progress.Report(provider.Progress{Phase: provider.PhaseMessages, Folder: folder, Fetched: fetched, Total: len(uids)})
	}
	return nil
}

// DeltaSync brings every folder up to date from its cursor: new UIDs are fetched in full,
// flags of known UIDs are re-read and a snapshot lets the engine drop expunged messages.
// Folders without a cursor are synced as in InitialSync with the account's retention.
// A changed UIDVALIDITY purges the folder and returns STATE_EXPIRED for it.
func (a *Adapter) DeltaSync(ctx context.Context, cursors map[string]string, apply provider.BatchFunc) error {
	return a.withClient(ctx, func(c *client.Client) error {
		folders, err := a.listFolders(c)
		if err != nil {
			return err
		}
		if err := apply(ctx, &provider.Batch{Labels: folders}); err != nil {
			return err
		}

		present := make(map[string]bool, len(folders))
		for _, f := range folders {
			if !f.NoSelect {
				present[f.ID] = true
			}
		}
		for key := range cursors {
			if len(key) <= len(folderCursorPrefix) || key[:len(folderCursorPrefix)] != folderCursorPrefix {
				continue
			}
			folder := key[len(folderCursorPrefix):]
			if present[folder] {
				continue
			}
			a.logger.Info("folder removed on server", zap.String("folder", folder))
			if err := apply(ctx, purgeBatch(folder, true)); err != nil {
				return err
			}
		}

		since := provider.InitialSyncOptions{DaysBack: a.account.RetentionDays}.Since(a.now())
		for _, f := range folders {
			if f.NoSelect {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			state, ok := cursors[cursorKey(f.ID)]
			if !ok {
				if err := a.syncFolderInitial(ctx, c, f.ID, since, nil, apply); err != nil {
					return err
				}
				continue
			}
			cursor, err := decodeCursor(state)
			if err != nil {
				return provider.StateExpired("imap delta", cursorKey(f.ID), err)
			}
			if err := a.syncFolderDelta(ctx, c, f.ID, cursor, apply); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) syncFolderDelta(ctx context.Context, c *client.Client, folder string, cursor folderCursor, apply provider.BatchFunc) error {
	status, err := c.Select(folder, true)
	if err != nil {
		return wrapErr("imap select "+folder, err)
	}

	if status.UidValidity != cursor.UIDValidity {
		a.logger.Info("UIDVALIDITY changed",
			zap.String("folder", folder),
			zap.Uint32("old", cursor.UIDValidity),
			zap.Uint32("new", status.UidValidity),
		)
		if err := apply(ctx, purgeBatch(folder, false)); err != nil {
			return err
		}
		return provider.StateExpired("imap delta", cursorKey(folder),
			fmt.Errorf("uidvalidity of %s changed from %d to %d", folder, cursor.UIDValidity, status.UidValidity))
	}

	known, err := FetchFlags(c, cursor.LastUID)
	if err != nil {
		return wrapErr("imap fetch flags "+folder, err)
	}
	flagBatch := &provider.Batch{
		Snapshot: &provider.FolderSnapshot{Folder: folder, MaxUID: int64(cursor.LastUID)},
	}
	for _, m := range known {
		if m.Uid > cursor.LastUID {
			continue
		}
		id := MessageID(a.account.ID, folder, m.Uid)
		flagBatch.Snapshot.MessageIDs = append(flagBatch.Snapshot.MessageIDs, id)
		flagBatch.FlagChanges = append(flagBatch.FlagChanges, provider.FlagChange{
			MessageID: id,
			IsRead:    provider.Bool(hasFlag(m.Flags, imap.SeenFlag)),
			IsStarred: provider.Bool(hasFlag(m.Flags, imap.FlaggedFlag)),
		})
	}
	if err := apply(ctx, flagBatch); err != nil {
		return err
	}

	newUIDs, err := SearchAfterUID(c, cursor.LastUID)
	if err != nil {
		return wrapErr("imap search "+folder, err)
	}
	if err := a.fetchAndApply(ctx, c, folder, newUIDs, nil, apply); err != nil {
		return err
	}

	next := folderCursor{UIDValidity: status.UidValidity, LastUID: cursor.LastUID}
	if last := lastUID(status, newUIDs); last > next.LastUID {
		next.LastUID = last
	}
	return apply(ctx, &provider.Batch{
		Cursors: map[string]string{cursorKey(folder): next.encode()},
	})
}

// purgeBatch drops every cached message of folder. With removed set the folder label
// and its cursor go as well.
func purgeBatch(folder string, removed bool) *provider.Batch {
	b := &provider.Batch{
		Snapshot:       &provider.FolderSnapshot{Folder: folder, MaxUID: math.MaxInt64},
		ClearedCursors: []string{cursorKey(folder)},
	}
	if removed {
		b.DeletedLabelIDs = []string{folder}
	}
	return b
}

// lastUID is the highest UID known to exist when the folder was selected.
func lastUID(status *imap.MailboxStatus, uids []uint32) uint32 {
	var last uint32
	if status.UidNext > 0 {
		last = status.UidNext - 1
	}
	for _, uid := range uids {
		if uid > last {
			last = uid
		}
	}
	return last
}

func (a *Adapter) messageIDs(folder string, uids []uint32) []string {
	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = MessageID(a.account.ID, folder, uid)
	}
	return ids
}
