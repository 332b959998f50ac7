package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrOperationNotFound is returned when a pending operation cannot be found.
var ErrOperationNotFound = errors.New("pending operation not found")

const pendingColumns = `
	id, account_id, seq, resource_type, resource_id, kind, payload,
	attempts, state, last_error, next_attempt_at, created_at`

// InsertPendingOperation records a mutation durably. Seq and CreatedAt are filled in.
func InsertPendingOperation(ctx context.Context, q DBTX, op *models.PendingOperation) error {
	payload := op.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if op.State == "" {
		op.State = models.OperationPending
	}

	err := q.QueryRow(ctx, `
		INSERT INTO pending_operations (id, account_id, resource_type, resource_id, kind, payload, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq, next_attempt_at, created_at
	`,
		op.ID,
		op.AccountID,
		op.ResourceType,
		op.ResourceID,
		op.Kind,
		[]byte(payload),
		op.State,
	).Scan(&op.Seq, &op.NextAttemptAt, &op.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending operation: %w", mapWriteError(err))
	}
	op.Payload = payload
	return nil
}

// ListPendingOperations returns all operations of an account, pending and failed, in submission order.
func ListPendingOperations(ctx context.Context, q DBTX, accountID string) ([]*models.PendingOperation, error) {
	rows, err := q.Query(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_operations
		WHERE account_id = $1
		ORDER BY seq
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanPendingOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}

	return ops, nil
}

// GetPendingOperation returns one operation.
func GetPendingOperation(ctx context.Context, q DBTX, accountID, opID string) (*models.PendingOperation, error) {
	row := q.QueryRow(ctx, `
		SELECT `+pendingColumns+` FROM pending_operations WHERE account_id = $1 AND id = $2
	`, accountID, opID)
	op, err := scanPendingOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operation: %w", err)
	}
	return op, nil
}

// DeletePendingOperation hard-deletes an operation.
func DeletePendingOperation(ctx context.Context, q DBTX, accountID, opID string) error {
	tag, err := q.Exec(ctx, `
		DELETE FROM pending_operations WHERE account_id = $1 AND id = $2
	`, accountID, opID)
	if err != nil {
		return fmt.Errorf("failed to delete pending operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// RecordOperationFailure stores the outcome of a failed attempt.
func RecordOperationFailure(ctx context.Context, q DBTX, op *models.PendingOperation) error {
	tag, err := q.Exec(ctx, `
		UPDATE pending_operations
		SET attempts = $3, state = $4, last_error = $5, next_attempt_at = $6
		WHERE account_id = $1 AND id = $2
	`, op.AccountID, op.ID, op.Attempts, op.State, op.LastError, op.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to record operation failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// ResetPendingOperation puts a failed operation back in line with a fresh attempt budget.
func ResetPendingOperation(ctx context.Context, q DBTX, accountID, opID string, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE pending_operations
		SET attempts = 0, state = 'pending', last_error = '', next_attempt_at = $3
		WHERE account_id = $1 AND id = $2
	`, accountID, opID, now)
	if err != nil {
		return fmt.Errorf("failed to reset pending operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// CountPendingOperations returns the pending and failed totals of an account.
func CountPendingOperations(ctx context.Context, q DBTX, accountID string) (models.PendingCounts, error) {
	var counts models.PendingCounts
	err := q.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE state = 'pending'),
			count(*) FILTER (WHERE state = 'failed')
		FROM pending_operations
		WHERE account_id = $1
	`, accountID).Scan(&counts.Pending, &counts.Failed)
	if err != nil {
		return counts, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return counts, nil
}

// AccountsWithPendingOperations lists accounts that have at least one op in the pending state.
func AccountsWithPendingOperations(ctx context.Context, q DBTX) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT DISTINCT account_id FROM pending_operations WHERE state = 'pending' ORDER BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts with pending operations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan account ids: %w", err)
	}
	return ids, nil
}

// SaveDraftRef records the provider's draft id for the id a caller knows the draft by.
func SaveDraftRef(ctx context.Context, q DBTX, accountID, localID, draftID string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO draft_refs (account_id, local_id, draft_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, local_id) DO UPDATE SET draft_id = EXCLUDED.draft_id
	`, accountID, localID, draftID)
	if err != nil {
		return fmt.Errorf("failed to save draft ref: %w", mapWriteError(err))
	}
	return nil
}

// ResolveDraftID returns the provider draft id recorded for id, or id itself when none was.
func ResolveDraftID(ctx context.Context, q DBTX, accountID, id string) (string, error) {
	var draftID string
	err := q.QueryRow(ctx, `
		SELECT draft_id FROM draft_refs WHERE account_id = $1 AND local_id = $2
	`, accountID, id).Scan(&draftID)
	if errors.Is(err, pgx.ErrNoRows) {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve draft id: %w", err)
	}
	return draftID, nil
}

func scanPendingOperation(row pgx.Row) (*models.PendingOperation, error) {
	var op models.PendingOperation
	if err := row.Scan(
		&op.ID,
		&op.AccountID,
		&op.Seq,
		&op.ResourceType,
		&op.ResourceID,
		&op.Kind,
		&op.Payload,
		&op.Attempts,
		&op.State,
		&op.LastError,
		&op.NextAttemptAt,
		&op.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &op, nil
}
