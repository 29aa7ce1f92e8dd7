package testutil

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/cepmail/backend/internal/crypto"
)

// TestAttachmentsKey is a fixed AES-256 key in the format
// CEPMAIL_ATTACHMENTS_KEY_BASE64 expects. Not for production use.
var TestAttachmentsKey = base64.StdEncoding.EncodeToString(
	bytes.Repeat([]byte("cep-test"), 4),
)

// GetTestEncryptor returns an attachment encryptor keyed with TestAttachmentsKey.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	enc, err := crypto.NewEncryptor(TestAttachmentsKey)
	if err != nil {
		t.Fatalf("test encryptor: %v", err)
	}
	return enc
}
