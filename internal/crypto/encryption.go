package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Encryptor seals attachment payloads at rest with AES-256-GCM.
// Sealed blobs are laid out as [nonce][ciphertext][auth_tag].
type Encryptor struct {
	aead cipher.AEAD
}

// KeySize is the length of an AES-256 key.
const KeySize = 32

// ErrCorrupt is returned by Open for blobs it cannot authenticate.
var ErrCorrupt = errors.New("sealed attachment is corrupt or was sealed under another key")

// NewEncryptor creates an Encryptor from a base64 encoded KeySize-byte key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("attachments key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("attachments key has %d bytes, want %d", len(key), KeySize)
	}

	// Neither call can fail for a KeySize key, but keep the errors honest.
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead}, nil
}

// Overhead is the number of bytes Seal adds to a payload.
func (e *Encryptor) Overhead() int {
	return e.aead.NonceSize() + e.aead.Overhead()
}

// Seal encrypts plaintext under a fresh random nonce.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. It fails when the blob was truncated,
// modified or sealed under another key.
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(sealed) < n+e.aead.Overhead() {
		return nil, ErrCorrupt
	}
	plaintext, err := e.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}
