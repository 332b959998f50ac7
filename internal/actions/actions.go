// Package actions accepts user mutations. Each one is queued durably first and then
// applied to the cache, so reads reflect it before the provider has seen it.
package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/mailsync/internal/accountlock"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/queue"
	"go.uber.org/zap"
)

var (
	// ErrInvalidAction is returned for requests that are missing a target or argument.
	ErrInvalidAction = errors.New("invalid action")
	// ErrUnknownAction is returned for kinds that are not mutations.
	ErrUnknownAction = errors.New("unknown action")
)

// Store is the cache the service updates optimistically. *db.Store implements it.
type Store interface {
	GetMessageIDsForThread(ctx context.Context, accountID, threadID string) ([]string, error)
	GetLabelByRole(ctx context.Context, accountID, role string) (*models.Label, error)
	UpdateMessageFlags(ctx context.Context, accountID string, messageIDs []string, isRead, isStarred *bool) ([]string, error)
	ModifyMessageLabels(ctx context.Context, accountID string, messageIDs, add, remove []string) ([]string, error)
	DeleteMessages(ctx context.Context, accountID string, messageIDs []string) ([]string, error)
	RefreshAndPrune(ctx context.Context, accountID string, threadIDs []string) error
}

var _ Store = (*db.Store)(nil)

// Enqueuer stores operations durably. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, op *models.PendingOperation) error
}

// Action is one requested mutation.
type Action struct {
	Kind models.OperationKind `json:"kind"`
	// ThreadID or MessageIDs select the target; a thread is expanded to its cached messages.
	ThreadID   string        `json:"thread_id,omitempty"`
	MessageIDs []string      `json:"message_ids,omitempty"`
	Value      bool          `json:"value,omitempty"`
	FolderID   string        `json:"folder_id,omitempty"`
	LabelID    string        `json:"label_id,omitempty"`
	DraftID    string        `json:"draft_id,omitempty"`
	Draft      *models.Draft `json:"draft,omitempty"`
}

type Service struct {
	store  Store
	queue  Enqueuer
	locks  *accountlock.Locks
	logger *zap.Logger
}

func NewService(store Store, q Enqueuer, locks *accountlock.Locks, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		queue:  q,
		locks:  locks,
		logger: logger.Named("actions"),
	}
}

// Do validates a, records it in the queue and applies it to the cache. The returned
// operation is durable even when the cache update fails; that failure is only logged
// because the next sync repairs the cache.
func (s *Service) Do(ctx context.Context, accountID string, a Action) (*models.PendingOperation, error) {
	if err := validate(a); err != nil {
		return nil, err
	}

	target, err := s.resolveTarget(ctx, accountID, a)
	if err != nil {
		return nil, err
	}

	payload, err := queue.Payload{
		Target:   target,
		Value:    a.Value,
		FolderID: a.FolderID,
		LabelID:  a.LabelID,
		DraftID:  a.DraftID,
		Draft:    a.Draft,
	}.Encode()
	if err != nil {
		return nil, err
	}
	op := &models.PendingOperation{
		AccountID: accountID,
		Kind:      a.Kind,
		Payload:   payload,
	}
	op.ResourceType, op.ResourceID = resourceOf(a)

	if err := s.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	if len(target.MessageIDs) > 0 {
		if err := s.applyToCache(context.WithoutCancel(ctx), accountID, a, target.MessageIDs); err != nil {
			s.logger.Warn("optimistic cache update failed",
				zap.String("account_id", accountID),
				zap.String("op_id", op.ID),
				zap.String("kind", string(a.Kind)),
				zap.Error(err),
			)
		}
	}
	return op, nil
}

func validate(a Action) error {
	switch a.Kind {
	case models.OpArchive, models.OpTrash, models.OpPermanentDelete,
		models.OpMarkRead, models.OpStar, models.OpSpam:
		return requireTarget(a)
	case models.OpMoveToFolder:
		if a.FolderID == "" {
			return fmt.Errorf("%w: folder_id is required", ErrInvalidAction)
		}
		return requireTarget(a)
	case models.OpAddLabel, models.OpRemoveLabel:
		if a.LabelID == "" {
			return fmt.Errorf("%w: label_id is required", ErrInvalidAction)
		}
		return requireTarget(a)
	case models.OpSend, models.OpCreateDraft:
		if a.Draft == nil {
			return fmt.Errorf("%w: draft is required", ErrInvalidAction)
		}
		return nil
	case models.OpUpdateDraft:
		if a.Draft == nil || a.DraftID == "" {
			return fmt.Errorf("%w: draft_id and draft are required", ErrInvalidAction)
		}
		return nil
	case models.OpDeleteDraft:
		if a.DraftID == "" {
			return fmt.Errorf("%w: draft_id is required", ErrInvalidAction)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
}

func requireTarget(a Action) error {
	if a.ThreadID == "" && len(a.MessageIDs) == 0 {
		return fmt.Errorf("%w: thread_id or message_ids is required", ErrInvalidAction)
	}
	return nil
}

// resolveTarget keeps the thread id for adapters with native threads and adds the cached
// message ids for the ones that address messages.
func (s *Service) resolveTarget(ctx context.Context, accountID string, a Action) (provider.Target, error) {
	t := provider.Target{ThreadID: a.ThreadID, MessageIDs: a.MessageIDs}
	if t.ThreadID == "" || len(t.MessageIDs) > 0 {
		return t, nil
	}
	ids, err := s.store.GetMessageIDsForThread(ctx, accountID, t.ThreadID)
	if err != nil {
		return t, err
	}
	if len(ids) == 0 {
		return t, fmt.Errorf("thread %s: %w", t.ThreadID, db.ErrThreadNotFound)
	}
	t.MessageIDs = ids
	return t, nil
}

func resourceOf(a Action) (string, string) {
	switch {
	case a.ThreadID != "":
		return "thread", a.ThreadID
	case len(a.MessageIDs) > 0:
		return "message", a.MessageIDs[0]
	case a.DraftID != "":
		return "draft", a.DraftID
	}
	return "draft", ""
}

// applyToCache mirrors the mutation in the cache under the account lock.
func (s *Service) applyToCache(ctx context.Context, accountID string, a Action, ids []string) error {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	var threads []string
	var err error
	switch a.Kind {
	case models.OpMarkRead:
		threads, err = s.store.UpdateMessageFlags(ctx, accountID, ids, provider.Bool(a.Value), nil)
	case models.OpStar:
		threads, err = s.store.UpdateMessageFlags(ctx, accountID, ids, nil, provider.Bool(a.Value))
	case models.OpPermanentDelete:
		threads, err = s.store.DeleteMessages(ctx, accountID, ids)
	case models.OpAddLabel:
		threads, err = s.store.ModifyMessageLabels(ctx, accountID, ids, []string{a.LabelID}, nil)
	case models.OpRemoveLabel:
		threads, err = s.store.ModifyMessageLabels(ctx, accountID, ids, nil, []string{a.LabelID})
	case models.OpArchive:
		threads, err = s.move(ctx, accountID, ids, models.RoleArchive, "")
	case models.OpTrash:
		threads, err = s.move(ctx, accountID, ids, models.RoleTrash, "")
	case models.OpMoveToFolder:
		threads, err = s.move(ctx, accountID, ids, "", a.FolderID)
	case models.OpSpam:
		if a.Value {
			threads, err = s.move(ctx, accountID, ids, models.RoleJunk, "")
		} else {
			threads, err = s.moveFrom(ctx, accountID, ids, models.RoleJunk, models.RoleInbox)
		}
	default:
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.RefreshAndPrune(ctx, accountID, threads)
}

// move takes messages out of the inbox and into the folder with the given role, or into
// folderID. A role the account has no folder for only removes the inbox label.
func (s *Service) move(ctx context.Context, accountID string, ids []string, role, folderID string) ([]string, error) {
	var add, remove []string
	if inbox, err := s.labelID(ctx, accountID, models.RoleInbox); err != nil {
		return nil, err
	} else if inbox != "" && inbox != folderID {
		remove = append(remove, inbox)
	}
	if folderID == "" && role != "" {
		id, err := s.labelID(ctx, accountID, role)
		if err != nil {
			return nil, err
		}
		folderID = id
	}
	if folderID != "" {
		add = append(add, folderID)
	}
	return s.store.ModifyMessageLabels(ctx, accountID, ids, add, remove)
}

func (s *Service) moveFrom(ctx context.Context, accountID string, ids []string, fromRole, toRole string) ([]string, error) {
	from, err := s.labelID(ctx, accountID, fromRole)
	if err != nil {
		return nil, err
	}
	to, err := s.labelID(ctx, accountID, toRole)
	if err != nil {
		return nil, err
	}
	var add, remove []string
	if from != "" {
		remove = []string{from}
	}
	if to != "" {
		add = []string{to}
	}
	return s.store.ModifyMessageLabels(ctx, accountID, ids, add, remove)
}

func (s *Service) labelID(ctx context.Context, accountID, role string) (string, error) {
	l, err := s.store.GetLabelByRole(ctx, accountID, role)
	if errors.Is(err, db.ErrLabelNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return l.ID, nil
}
