package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, provider, email, display_name, credentials_ref, auth_method,
	imap_server, imap_username, smtp_server, jmap_session_url,
	retention_days, needs_reauth, created_at`

// SaveAccount creates or updates an account.
func SaveAccount(ctx context.Context, q DBTX, account *models.Account) error {
	if !account.Provider.Valid() {
		return fmt.Errorf("failed to save account: unknown provider %q", account.Provider)
	}
	if account.AuthMethod == "" {
		account.AuthMethod = models.AuthPassword
	}

	err := q.QueryRow(ctx, `
		INSERT INTO accounts (
			id, provider, email, display_name, credentials_ref, auth_method,
			imap_server, imap_username, smtp_server, jmap_session_url, retention_days
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			credentials_ref = EXCLUDED.credentials_ref,
			auth_method = EXCLUDED.auth_method,
			imap_server = EXCLUDED.imap_server,
			imap_username = EXCLUDED.imap_username,
			smtp_server = EXCLUDED.smtp_server,
			jmap_session_url = EXCLUDED.jmap_session_url,
			retention_days = EXCLUDED.retention_days
		RETURNING created_at
	`,
		account.ID,
		account.Provider,
		account.Email,
		account.DisplayName,
		account.CredentialsRef,
		account.AuthMethod,
		account.IMAPServer,
		account.IMAPUsername,
		account.SMTPServer,
		account.JMAPSessionURL,
		account.RetentionDays,
	).Scan(&account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

// GetAccount returns the account with the given id.
func GetAccount(ctx context.Context, q DBTX, accountID string) (*models.Account, error) {
	row := q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// ListAccounts returns every account ordered by creation time.
func ListAccounts(ctx context.Context, q DBTX) ([]*models.Account, error) {
	rows, err := q.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// DeleteAccount removes the account and, through cascades, everything cached for it.
func DeleteAccount(ctx context.Context, q DBTX, accountID string) error {
	tag, err := q.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetAccountNeedsReauth flags or clears the re-authorization marker.
func SetAccountNeedsReauth(ctx context.Context, q DBTX, accountID string, needsReauth bool) error {
	tag, err := q.Exec(ctx, `UPDATE accounts SET needs_reauth = $2 WHERE id = $1`, accountID, needsReauth)
	if err != nil {
		return fmt.Errorf("failed to update account reauth flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(
		&a.ID,
		&a.Provider,
		&a.Email,
		&a.DisplayName,
		&a.CredentialsRef,
		&a.AuthMethod,
		&a.IMAPServer,
		&a.IMAPUsername,
		&a.SMTPServer,
		&a.JMAPSessionURL,
		&a.RetentionDays,
		&a.NeedsReauth,
		&a.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}
