package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// Store binds the query functions to a connection pool so components can depend on
// small interfaces instead of the pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store that uses the given database pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for callers that need their own transactions.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// IngestMessage writes a message in the order the foreign keys require: thread row first,
// then the message, then its attachments. The three writes commit together.
func (s *Store) IngestMessage(ctx context.Context, msg *models.Message) error {
	return WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return ingestMessage(ctx, tx, msg)
	})
}

func ingestMessage(ctx context.Context, q DBTX, msg *models.Message) error {
	if err := EnsureThread(ctx, q, msg.AccountID, msg.ThreadID, msg.Subject, msg.SentAt); err != nil {
		return err
	}
	if err := UpsertMessage(ctx, q, msg); err != nil {
		return err
	}
	for _, a := range msg.Attachments {
		a.AccountID = msg.AccountID
		a.MessageID = msg.ID
	}
	return UpsertAttachments(ctx, q, msg.Attachments)
}

// ApplyThreadAssignments rewrites thread ids in one statement, then refreshes the touched
// threads and drops those left empty, all in one transaction. Target threads of the
// assignments must already exist.
func (s *Store) ApplyThreadAssignments(ctx context.Context, accountID string, assignments map[string]string, touched []string) (int64, error) {
	var deleted int64
	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := UpdateMessageThreadIDs(ctx, tx, accountID, assignments); err != nil {
			return err
		}
		if err := RefreshThreads(ctx, tx, accountID, touched); err != nil {
			return err
		}
		var err error
		deleted, err = DeleteEmptyThreads(ctx, tx, accountID, touched)
		return err
	})
	return deleted, err
}

// RefreshAndPrune refreshes aggregates of the given threads and deletes the empty ones.
func (s *Store) RefreshAndPrune(ctx context.Context, accountID string, threadIDs []string) error {
	if len(threadIDs) == 0 {
		return nil
	}
	return WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := RefreshThreads(ctx, tx, accountID, threadIDs); err != nil {
			return err
		}
		_, err := DeleteEmptyThreads(ctx, tx, accountID, threadIDs)
		return err
	})
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return GetAccount(ctx, s.pool, accountID)
}

func (s *Store) SaveAccount(ctx context.Context, account *models.Account) error {
	return SaveAccount(ctx, s.pool, account)
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return DeleteAccount(ctx, s.pool, accountID)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	return ListAccounts(ctx, s.pool)
}

func (s *Store) SetAccountNeedsReauth(ctx context.Context, accountID string, needsReauth bool) error {
	return SetAccountNeedsReauth(ctx, s.pool, accountID, needsReauth)
}

func (s *Store) UpsertLabels(ctx context.Context, labels []*models.Label) error {
	return UpsertLabels(ctx, s.pool, labels)
}

func (s *Store) DeleteLabels(ctx context.Context, accountID string, labelIDs []string) error {
	return DeleteLabels(ctx, s.pool, accountID, labelIDs)
}

func (s *Store) GetLabelsForAccount(ctx context.Context, accountID string) ([]*models.Label, error) {
	return GetLabelsForAccount(ctx, s.pool, accountID)
}

func (s *Store) GetLabelByRole(ctx context.Context, accountID, role string) (*models.Label, error) {
	return GetLabelByRole(ctx, s.pool, accountID, role)
}

func (s *Store) GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error) {
	return GetThread(ctx, s.pool, accountID, threadID)
}

func (s *Store) GetThreadsForAccount(ctx context.Context, accountID, labelID string, limit, offset int) ([]*models.Thread, error) {
	return GetThreadsForAccount(ctx, s.pool, accountID, labelID, limit, offset)
}

func (s *Store) GetThreadCount(ctx context.Context, accountID, labelID string) (int, error) {
	return GetThreadCount(ctx, s.pool, accountID, labelID)
}

func (s *Store) GetThreadLabelIDs(ctx context.Context, accountID string, threadIDs []string) (map[string][]string, error) {
	return GetThreadLabelIDs(ctx, s.pool, accountID, threadIDs)
}

func (s *Store) SetThreadPinned(ctx context.Context, accountID, threadID string, pinned bool) error {
	return SetThreadPinned(ctx, s.pool, accountID, threadID, pinned)
}

func (s *Store) GetMessage(ctx context.Context, accountID, messageID string) (*models.Message, error) {
	return GetMessage(ctx, s.pool, accountID, messageID)
}

func (s *Store) GetMessagesForThread(ctx context.Context, accountID, threadID string) ([]*models.Message, error) {
	return GetMessagesForThread(ctx, s.pool, accountID, threadID)
}

func (s *Store) GetMessageIDsForThread(ctx context.Context, accountID, threadID string) ([]string, error) {
	return GetMessageIDsForThread(ctx, s.pool, accountID, threadID)
}

func (s *Store) GetMessageThreadIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]string, error) {
	return GetMessageThreadIDs(ctx, s.pool, accountID, messageIDs)
}

func (s *Store) GetThreadingCandidates(ctx context.Context, accountID string, tokens []string) ([]ThreadingCandidate, error) {
	return GetThreadingCandidates(ctx, s.pool, accountID, tokens)
}

func (s *Store) UpdateMessageFlags(ctx context.Context, accountID string, messageIDs []string, isRead, isStarred *bool) ([]string, error) {
	return UpdateMessageFlags(ctx, s.pool, accountID, messageIDs, isRead, isStarred)
}

func (s *Store) ModifyMessageLabels(ctx context.Context, accountID string, messageIDs, add, remove []string) ([]string, error) {
	return ModifyMessageLabels(ctx, s.pool, accountID, messageIDs, add, remove)
}

func (s *Store) SetMessageLabels(ctx context.Context, accountID, messageID string, labelIDs []string) (string, error) {
	return SetMessageLabels(ctx, s.pool, accountID, messageID, labelIDs)
}

func (s *Store) DeleteMessages(ctx context.Context, accountID string, messageIDs []string) ([]string, error) {
	return DeleteMessages(ctx, s.pool, accountID, messageIDs)
}

func (s *Store) DeleteFolderMessagesNotIn(ctx context.Context, accountID, folder string, maxUID int64, keep []string) ([]string, error) {
	return DeleteFolderMessagesNotIn(ctx, s.pool, accountID, folder, maxUID, keep)
}

func (s *Store) GetAttachment(ctx context.Context, accountID, attachmentID string) (*models.Attachment, error) {
	return GetAttachment(ctx, s.pool, accountID, attachmentID)
}

func (s *Store) GetCursors(ctx context.Context, accountID string) (map[string]string, error) {
	return GetCursors(ctx, s.pool, accountID)
}

func (s *Store) SetCursor(ctx context.Context, accountID, objectType, state string) error {
	return SetCursor(ctx, s.pool, accountID, objectType, state)
}

func (s *Store) ClearCursor(ctx context.Context, accountID, objectType string) error {
	return ClearCursor(ctx, s.pool, accountID, objectType)
}

func (s *Store) InsertPendingOperation(ctx context.Context, op *models.PendingOperation) error {
	return InsertPendingOperation(ctx, s.pool, op)
}

func (s *Store) ListPendingOperations(ctx context.Context, accountID string) ([]*models.PendingOperation, error) {
	return ListPendingOperations(ctx, s.pool, accountID)
}

func (s *Store) GetPendingOperation(ctx context.Context, accountID, opID string) (*models.PendingOperation, error) {
	return GetPendingOperation(ctx, s.pool, accountID, opID)
}

func (s *Store) DeletePendingOperation(ctx context.Context, accountID, opID string) error {
	return DeletePendingOperation(ctx, s.pool, accountID, opID)
}

func (s *Store) RecordOperationFailure(ctx context.Context, op *models.PendingOperation) error {
	return RecordOperationFailure(ctx, s.pool, op)
}

func (s *Store) ResetPendingOperation(ctx context.Context, accountID, opID string, now time.Time) error {
	return ResetPendingOperation(ctx, s.pool, accountID, opID, now)
}

func (s *Store) CountPendingOperations(ctx context.Context, accountID string) (models.PendingCounts, error) {
	return CountPendingOperations(ctx, s.pool, accountID)
}

func (s *Store) AccountsWithPendingOperations(ctx context.Context) ([]string, error) {
	return AccountsWithPendingOperations(ctx, s.pool)
}

func (s *Store) SaveDraftRef(ctx context.Context, accountID, localID, draftID string) error {
	return SaveDraftRef(ctx, s.pool, accountID, localID, draftID)
}

func (s *Store) ResolveDraftID(ctx context.Context, accountID, id string) (string, error) {
	return ResolveDraftID(ctx, s.pool, accountID, id)
}

func (s *Store) SaveAccountTokens(ctx context.Context, accountID string, encrypted []byte) error {
	return SaveAccountTokens(ctx, s.pool, accountID, encrypted)
}

func (s *Store) GetAccountTokens(ctx context.Context, accountID string) ([]byte, error) {
	return GetAccountTokens(ctx, s.pool, accountID)
}
