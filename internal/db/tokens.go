package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrTokensNotFound is returned when no encrypted tokens are stored for an account.
var ErrTokensNotFound = errors.New("account tokens not found")

// SaveAccountTokens stores the already encrypted token blob of an account.
func SaveAccountTokens(ctx context.Context, q DBTX, accountID string, encrypted []byte) error {
	_, err := q.Exec(ctx, `
		INSERT INTO account_tokens (account_id, encrypted_tokens, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_id) DO UPDATE SET
			encrypted_tokens = EXCLUDED.encrypted_tokens,
			updated_at = now()
	`, accountID, encrypted)
	if err != nil {
		return fmt.Errorf("failed to save account tokens: %w", mapWriteError(err))
	}
	return nil
}

// GetAccountTokens returns the encrypted token blob of an account.
func GetAccountTokens(ctx context.Context, q DBTX, accountID string) ([]byte, error) {
	var encrypted []byte
	err := q.QueryRow(ctx, `
		SELECT encrypted_tokens FROM account_tokens WHERE account_id = $1
	`, accountID).Scan(&encrypted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokensNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account tokens: %w", err)
	}
	return encrypted, nil
}
