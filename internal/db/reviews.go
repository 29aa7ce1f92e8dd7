package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/cepmail/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateReviewItem records a mailbox message that needs a human decision.
// It returns false when the same mailbox message was already queued for review.
func CreateReviewItem(ctx context.Context, pool *pgxpool.Pool, item *models.ReviewItem) (bool, error) {
	err := pool.QueryRow(ctx, `
		INSERT INTO review_items (
			folder,
			uid_validity,
			uid,
			provider_message_id,
			reason
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (folder, uid_validity, uid) DO NOTHING
		RETURNING id, created_at
	`,
		item.Source.Folder,
		int64(item.Source.UIDValidity),
		int64(item.Source.UID),
		item.ProviderMessageID,
		item.Reason,
	).Scan(&item.ID, &item.CreatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to save review item: %w", err)
	}
	return true, nil
}

// ListReviewItems returns review items, newest first.
func ListReviewItems(ctx context.Context, pool *pgxpool.Pool, limit int) ([]models.ReviewItem, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, folder, uid_validity, uid, provider_message_id, reason, created_at
		FROM review_items
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}
	defer rows.Close()

	items := make([]models.ReviewItem, 0)
	for rows.Next() {
		var (
			item        models.ReviewItem
			uidValidity int64
			uid         int64
		)
		if err := rows.Scan(
			&item.ID,
			&item.Source.Folder,
			&uidValidity,
			&uid,
			&item.ProviderMessageID,
			&item.Reason,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan review item: %w", err)
		}
		item.Source.UIDValidity = uint32(uidValidity)
		item.Source.UID = uint32(uid)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review items: %w", err)
	}

	return items, nil
}
