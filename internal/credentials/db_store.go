package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
)

// BlobStore persists opaque encrypted blobs per account. *db.Store implements it.
type BlobStore interface {
	SaveAccountTokens(ctx context.Context, accountID string, encrypted []byte) error
	GetAccountTokens(ctx context.Context, accountID string) ([]byte, error)
}

// DBStore keeps credentials AES-GCM sealed in the cache database. The account id is
// the associated data, so a blob copied to another account's row fails to open.
type DBStore struct {
	blobs     BlobStore
	encryptor *crypto.Encryptor
}

var _ TokenStore = (*DBStore)(nil)

func NewDBStore(blobs BlobStore, encryptor *crypto.Encryptor) *DBStore {
	return &DBStore{blobs: blobs, encryptor: encryptor}
}

func (s *DBStore) Get(ctx context.Context, accountID string) (*Credentials, error) {
	blob, err := s.blobs.GetAccountTokens(ctx, accountID)
	if errors.Is(err, db.ErrTokensNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := s.encryptor.Open(blob, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for %s: %w", accountID, err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials for %s: %w", accountID, err)
	}
	return &creds, nil
}

func (s *DBStore) Put(ctx context.Context, accountID string, creds *Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials for %s: %w", accountID, err)
	}

	blob, err := s.encryptor.Seal(plaintext, accountID)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials for %s: %w", accountID, err)
	}

	return s.blobs.SaveAccountTokens(ctx, accountID, blob)
}
