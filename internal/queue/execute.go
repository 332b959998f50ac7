package queue

import (
	"context"
	"fmt"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// draftRef maps the draft id a caller used to the one the provider assigned.
type draftRef struct {
	localID string
	draftID string
}

// replay decodes op, resolves its draft id through the recorded refs and runs it
// through p. It returns the ref to record when the provider assigned a new draft id.
func (q *Queue) replay(ctx context.Context, p provider.Provider, op *models.PendingOperation) (*draftRef, error) {
	pl, err := decodePayload(op)
	if err != nil {
		return nil, err
	}
	localID := pl.DraftID
	if localID != "" {
		if pl.DraftID, err = q.store.ResolveDraftID(ctx, op.AccountID, localID); err != nil {
			return nil, err
		}
	}

	draftID, err := execute(ctx, p, op, pl)
	if err != nil || draftID == "" {
		return nil, err
	}
	switch {
	case op.Kind == models.OpCreateDraft:
		return &draftRef{localID: op.ID, draftID: draftID}, nil
	case op.Kind == models.OpUpdateDraft && draftID != pl.DraftID:
		return &draftRef{localID: localID, draftID: draftID}, nil
	}
	return nil, nil
}

// execute runs op through p. Draft operations return the provider's draft id.
func execute(ctx context.Context, p provider.Provider, op *models.PendingOperation, pl Payload) (string, error) {
	t := pl.Target

	switch op.Kind {
	case models.OpArchive:
		return "", p.Archive(ctx, t)
	case models.OpTrash:
		return "", p.Trash(ctx, t)
	case models.OpPermanentDelete:
		return "", p.PermanentDelete(ctx, t)
	case models.OpMarkRead:
		return "", p.MarkRead(ctx, t, pl.Value)
	case models.OpStar:
		return "", p.Star(ctx, t, pl.Value)
	case models.OpSpam:
		return "", p.Spam(ctx, t, pl.Value)
	case models.OpMoveToFolder:
		return "", p.MoveToFolder(ctx, t, pl.FolderID)
	case models.OpAddLabel:
		return "", p.AddLabel(ctx, t, pl.LabelID)
	case models.OpRemoveLabel:
		return "", p.RemoveLabel(ctx, t, pl.LabelID)
	case models.OpSend:
		if pl.Draft == nil {
			return "", fmt.Errorf("operation %s: send without a message", op.ID)
		}
		return "", p.SendMessage(ctx, pl.Draft)
	case models.OpCreateDraft:
		if pl.Draft == nil {
			return "", fmt.Errorf("operation %s: draft without content", op.ID)
		}
		return p.CreateDraft(ctx, pl.Draft)
	case models.OpUpdateDraft:
		if pl.Draft == nil {
			return "", fmt.Errorf("operation %s: draft without content", op.ID)
		}
		return p.UpdateDraft(ctx, pl.DraftID, pl.Draft)
	case models.OpDeleteDraft:
		return "", p.DeleteDraft(ctx, pl.DraftID)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
}

// removesMessages reports whether a missing target means the operation already happened.
func removesMessages(kind models.OperationKind) bool {
	switch kind {
	case models.OpTrash, models.OpPermanentDelete, models.OpDeleteDraft:
		return true
	}
	return false
}
