package correspondence

import (
	"context"
	"fmt"
	"log"

	"github.com/cepmail/backend/internal/db"
	"github.com/cepmail/backend/internal/imap"
	"github.com/cepmail/backend/internal/message"
	"github.com/cepmail/backend/internal/models"
)

// Mailbox is one selected folder, owned by the caller until Close.
// *imap.Session implements it.
type Mailbox interface {
	Folder() string
	UIDValidity() uint32
	SearchUnseen(ctx context.Context, excludeFlags ...string) ([]uint32, error)
	SearchNewest(ctx context.Context, field, value string) ([]uint32, error)
	FetchMessageID(ctx context.Context, uid uint32) (string, error)
	FetchRaw(ctx context.Context, uid uint32) (*imap.RawMessage, error)
	AddFlags(ctx context.Context, uid uint32, flags ...string) error
	Refresh(ctx context.Context) error
	Close()
}

// MailboxOpener opens folders of the committee account.
type MailboxOpener interface {
	OpenMailbox(ctx context.Context, folder string, readOnly bool) (Mailbox, error)
}

// PoolOpener opens mailboxes on connections borrowed from an IMAP pool.
type PoolOpener struct {
	Pool *imap.Pool
}

func (o PoolOpener) OpenMailbox(ctx context.Context, folder string, readOnly bool) (Mailbox, error) {
	session, err := o.Pool.Open(ctx, folder, readOnly)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Store is the persistence the correspondence services need. *db.Store implements it.
type Store interface {
	CreateCorrespondence(ctx context.Context, record *models.CorrespondenceRecord, attachments []db.NewAttachment) error
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.CorrespondenceRecord, error)
	ListMissingProviderMessageID(ctx context.Context, limit int) ([]*models.CorrespondenceRecord, error)
	SetProviderMessageID(ctx context.Context, id, providerMessageID string) error
	CreateReviewItem(ctx context.Context, item *models.ReviewItem) (bool, error)
}

// BlobStore keeps attachment payloads. *attachments.FileStore implements it.
type BlobStore interface {
	Put(ctx context.Context, content []byte) (string, int64, error)
	Delete(ctx context.Context, key string) error
}

// Transport delivers a composed message. *smtp.Transport implements it.
type Transport interface {
	Send(ctx context.Context, out *message.Outgoing) error
}

// putAttachments stores every payload under a fresh key.
// On failure the payloads already written are removed again.
func putAttachments(ctx context.Context, blobs BlobStore, parts []message.Attachment) ([]db.NewAttachment, error) {
	stored := make([]db.NewAttachment, 0, len(parts))
	for _, part := range parts {
		key, size, err := blobs.Put(ctx, part.Content)
		if err != nil {
			discardAttachments(blobs, stored)
			return nil, fmt.Errorf("failed to store attachment %q: %w", part.Filename, err)
		}
		contentType := part.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		stored = append(stored, db.NewAttachment{
			Filename:    part.Filename,
			ContentType: contentType,
			StorageKey:  key,
			SizeBytes:   size,
		})
	}
	return stored, nil
}

// discardAttachments removes payloads whose record was never committed.
func discardAttachments(blobs BlobStore, stored []db.NewAttachment) {
	for _, a := range stored {
		if err := blobs.Delete(context.Background(), a.StorageKey); err != nil {
			log.Printf("Warning: failed to remove orphaned attachment %s: %v", a.StorageKey, err)
		}
	}
}
