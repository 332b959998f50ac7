package testutil

import (
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// TestEncryptionKeyBase64 is the base64 of the bytes 0x00..0x1f. Tests that build a
// config or a credentials store share it so sealed blobs open across packages.
const TestEncryptionKeyBase64 = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

// GetTestEncryptor returns an encryptor over TestEncryptionKeyBase64.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	encryptor, err := crypto.NewEncryptor(TestEncryptionKeyBase64)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
