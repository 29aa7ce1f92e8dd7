package attachments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cepmail/backend/internal/crypto"
	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("attachment payload not found")
	ErrInvalidKey = errors.New("invalid storage key")
)

// FileStore keeps attachment payloads on disk under random keys.
// Keys never depend on the attachment's filename, so two files called the same never collide.
type FileStore struct {
	root      string
	encryptor *crypto.Encryptor
}

// NewFileStore creates the root directory if needed. When encryptor is nil, payloads are stored as is.
func NewFileStore(root string, encryptor *crypto.Encryptor) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}
	return &FileStore{root: root, encryptor: encryptor}, nil
}

// Put stores content under a fresh key and returns the key with the number of payload bytes written.
func (s *FileStore) Put(ctx context.Context, content []byte) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	key := uuid.NewString()
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", 0, fmt.Errorf("failed to create shard directory: %w", err)
	}

	data := content
	overhead := 0
	if s.encryptor != nil {
		sealed, err := s.encryptor.Seal(content)
		if err != nil {
			return "", 0, fmt.Errorf("failed to encrypt attachment: %w", err)
		}
		data = sealed
		overhead = s.encryptor.Overhead()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), key+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	n, err := tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("failed to sync attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close attachment: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", 0, fmt.Errorf("failed to move attachment into place: %w", err)
	}

	return key, int64(n - overhead), nil
}

// Get returns the payload stored under key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(key); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}

	if s.encryptor == nil {
		return data, nil
	}

	plaintext, err := s.encryptor.Open(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt attachment %s: %w", key, err)
	}
	return plaintext, nil
}

// Delete removes the payload stored under key. Missing payloads are not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := uuid.Parse(key); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

// path shards payloads by the first two characters of the key.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, key[:2], key)
}
