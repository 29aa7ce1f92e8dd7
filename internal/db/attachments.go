package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/cepmail/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAttachmentNotFound is returned when a requested attachment row cannot be found.
var ErrAttachmentNotFound = errors.New("attachment not found")

const attachmentColumns = `
	id,
	correspondence_id,
	filename,
	content_type,
	storage_key,
	size_bytes,
	created_at`

// GetAttachmentsForCorrespondence returns the attachment rows of a record in insertion order.
func GetAttachmentsForCorrespondence(ctx context.Context, pool *pgxpool.Pool, correspondenceID string) ([]models.Attachment, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM correspondence_attachments
		WHERE correspondence_id = $1
		ORDER BY created_at, id
	`, correspondenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	attachments := make([]models.Attachment, 0)
	for rows.Next() {
		attachment, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, *attachment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return attachments, nil
}

// GetAttachment returns a single attachment row.
func GetAttachment(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Attachment, error) {
	row := pool.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM correspondence_attachments WHERE id = $1`, id)

	attachment, err := scanAttachment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidInput(err) {
			return nil, ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return attachment, nil
}

func scanAttachment(row pgx.Row) (*models.Attachment, error) {
	var attachment models.Attachment
	err := row.Scan(
		&attachment.ID,
		&attachment.CorrespondenceID,
		&attachment.Filename,
		&attachment.ContentType,
		&attachment.StorageKey,
		&attachment.SizeBytes,
		&attachment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &attachment, nil
}
