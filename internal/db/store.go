package db

import (
	"context"

	"github.com/cepmail/backend/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store binds the package functions to a pool so services can depend on an interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store that uses the given database pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateCorrespondence(ctx context.Context, record *models.CorrespondenceRecord, attachments []NewAttachment) error {
	return CreateCorrespondence(ctx, s.pool, record, attachments)
}

func (s *Store) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.CorrespondenceRecord, error) {
	return FindByProviderMessageID(ctx, s.pool, providerMessageID)
}

func (s *Store) GetCorrespondence(ctx context.Context, id string) (*models.CorrespondenceRecord, error) {
	return GetCorrespondence(ctx, s.pool, id)
}

func (s *Store) ListCorrespondence(ctx context.Context, filter ListFilter) ([]*models.CorrespondenceRecord, int, error) {
	return ListCorrespondence(ctx, s.pool, filter)
}

func (s *Store) GetThread(ctx context.Context, id string) (*models.ThreadNode, error) {
	return GetThread(ctx, s.pool, id)
}

func (s *Store) ListMissingProviderMessageID(ctx context.Context, limit int) ([]*models.CorrespondenceRecord, error) {
	return ListMissingProviderMessageID(ctx, s.pool, limit)
}

func (s *Store) SetProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	return SetProviderMessageID(ctx, s.pool, id, providerMessageID)
}

func (s *Store) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	return GetAttachment(ctx, s.pool, id)
}

func (s *Store) CreateReviewItem(ctx context.Context, item *models.ReviewItem) (bool, error) {
	return CreateReviewItem(ctx, s.pool, item)
}

func (s *Store) ListReviewItems(ctx context.Context, limit int) ([]models.ReviewItem, error) {
	return ListReviewItems(ctx, s.pool, limit)
}
