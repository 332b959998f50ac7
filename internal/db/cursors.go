package db

import (
	"context"
	"fmt"
)

// GetCursors returns every stored cursor of an account keyed by object type.
func GetCursors(ctx context.Context, q DBTX, accountID string) (map[string]string, error) {
	rows, err := q.Query(ctx, `
		SELECT object_type, state FROM sync_cursors WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[string]string)
	for rows.Next() {
		var objectType, state string
		if err := rows.Scan(&objectType, &state); err != nil {
			return nil, fmt.Errorf("failed to scan sync cursor: %w", err)
		}
		cursors[objectType] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync cursors: %w", err)
	}

	return cursors, nil
}

// SetCursor stores the cursor for one object type.
func SetCursor(ctx context.Context, q DBTX, accountID, objectType, state string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sync_cursors (account_id, object_type, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_id, object_type) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = now()
	`, accountID, objectType, state)
	if err != nil {
		return fmt.Errorf("failed to set sync cursor %s: %w", objectType, mapWriteError(err))
	}
	return nil
}

// ClearCursor forgets the cursor for one object type so the next sync starts from scratch.
func ClearCursor(ctx context.Context, q DBTX, accountID, objectType string) error {
	_, err := q.Exec(ctx, `
		DELETE FROM sync_cursors WHERE account_id = $1 AND object_type = $2
	`, accountID, objectType)
	if err != nil {
		return fmt.Errorf("failed to clear sync cursor %s: %w", objectType, err)
	}
	return nil
}
