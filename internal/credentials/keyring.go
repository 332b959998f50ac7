package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"github.com/goccy/go-json"
)

const serviceName = "mailsync"

// OpenKeyring opens the OS keyring, falling back to an encrypted file keyring in dir
// on hosts without a keychain or secret service.
func OpenKeyring(dir, filePassword string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringStore keeps credentials as JSON items of a keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

var _ TokenStore = (*KeyringStore)(nil)

func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (s *KeyringStore) Get(_ context.Context, accountID string) (*Credentials, error) {
	item, err := s.ring.Get(itemKey(accountID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", accountID, err)
	}

	var creds Credentials
	if err := json.Unmarshal(item.Data, &creds); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", accountID, err)
	}
	return &creds, nil
}

func (s *KeyringStore) Put(_ context.Context, accountID string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", accountID, err)
	}

	err = s.ring.Set(keyring.Item{
		Key:   itemKey(accountID),
		Data:  data,
		Label: "mailsync account " + accountID,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", accountID, err)
	}
	return nil
}

// Delete removes the credentials of an account. Missing items are not an error.
func (s *KeyringStore) Delete(_ context.Context, accountID string) error {
	err := s.ring.Remove(itemKey(accountID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", accountID, err)
	}
	return nil
}

func itemKey(accountID string) string {
	return "account:" + accountID
}
