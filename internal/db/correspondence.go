package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/cepmail/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrRecordNotFound is returned when a requested correspondence record cannot be found.
	ErrRecordNotFound = errors.New("correspondence record not found")
	// ErrDuplicateProviderMessageID is returned when a provider message id is already recorded.
	ErrDuplicateProviderMessageID = errors.New("provider message id already recorded")
)

const (
	pgUniqueViolation      = "23505"
	pgInvalidTextRepr      = "22P02"
	providerMessageIDIndex = "correspondence_provider_message_id_key"
)

const recordColumns = `
	id,
	direction,
	sender,
	recipient,
	subject,
	body,
	provider_message_id,
	outgoing_message_id,
	parent_id,
	project_id,
	source_folder,
	source_uid_validity,
	source_uid,
	created_at`

// NewAttachment is a payload already written to blob storage that still needs its row.
type NewAttachment struct {
	Filename    string
	ContentType string
	StorageKey  string
	SizeBytes   int64
}

// CreateCorrespondence inserts the record and its attachment rows in one transaction.
// On success the record's ID, CreatedAt and Attachments are filled in.
func CreateCorrespondence(ctx context.Context, pool *pgxpool.Pool, record *models.CorrespondenceRecord, attachments []NewAttachment) error {
	var (
		id      string
		created = record.CreatedAt
		stored  = make([]models.Attachment, 0, len(attachments))
	)

	var folder *string
	var uidValidity, uid *int64
	if record.Source != nil {
		f := record.Source.Folder
		v := int64(record.Source.UIDValidity)
		u := int64(record.Source.UID)
		folder, uidValidity, uid = &f, &v, &u
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO correspondence (
				direction,
				sender,
				recipient,
				subject,
				body,
				provider_message_id,
				outgoing_message_id,
				parent_id,
				project_id,
				source_folder,
				source_uid_validity,
				source_uid
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id, created_at
		`,
			record.Direction,
			record.Sender,
			record.Recipient,
			record.Subject,
			record.Body,
			record.ProviderMessageID,
			record.OutgoingMessageID,
			record.ParentID,
			record.ProjectID,
			folder,
			uidValidity,
			uid,
		).Scan(&id, &created)
		if err != nil {
			return err
		}

		for _, a := range attachments {
			attachment := models.Attachment{
				CorrespondenceID: id,
				Filename:         a.Filename,
				ContentType:      a.ContentType,
				StorageKey:       a.StorageKey,
				SizeBytes:        a.SizeBytes,
			}
			if attachment.ContentType == "" {
				attachment.ContentType = "application/octet-stream"
			}
			err := tx.QueryRow(ctx, `
				INSERT INTO correspondence_attachments (
					correspondence_id,
					filename,
					content_type,
					storage_key,
					size_bytes
				) VALUES ($1, $2, $3, $4, $5)
				RETURNING id, created_at
			`,
				id,
				attachment.Filename,
				attachment.ContentType,
				attachment.StorageKey,
				attachment.SizeBytes,
			).Scan(&attachment.ID, &attachment.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to save attachment %q: %w", a.Filename, err)
			}
			stored = append(stored, attachment)
		}

		return nil
	})
	if err != nil {
		if isUniqueViolation(err, providerMessageIDIndex) {
			return fmt.Errorf("%w: %s", ErrDuplicateProviderMessageID, deref(record.ProviderMessageID))
		}
		return fmt.Errorf("failed to save correspondence: %w", err)
	}

	record.ID = id
	record.CreatedAt = created
	record.Attachments = stored
	return nil
}

// FindByProviderMessageID returns the record carrying the given provider message id.
func FindByProviderMessageID(ctx context.Context, pool *pgxpool.Pool, providerMessageID string) (*models.CorrespondenceRecord, error) {
	row := pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM correspondence WHERE provider_message_id = $1`, providerMessageID)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to find correspondence: %w", err)
	}
	return record, nil
}

// GetCorrespondence returns a record with its attachments.
func GetCorrespondence(ctx context.Context, pool *pgxpool.Pool, id string) (*models.CorrespondenceRecord, error) {
	row := pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM correspondence WHERE id = $1`, id)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidInput(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get correspondence: %w", err)
	}

	record.Attachments, err = GetAttachmentsForCorrespondence(ctx, pool, record.ID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListFilter narrows ListCorrespondence.
type ListFilter struct {
	ProjectID string
	Limit     int
	Offset    int
}

// ListCorrespondence returns records newest first, together with the total count that matches the filter.
func ListCorrespondence(ctx context.Context, pool *pgxpool.Pool, filter ListFilter) ([]*models.CorrespondenceRecord, int, error) {
	var projectID *string
	if filter.ProjectID != "" {
		projectID = &filter.ProjectID
	}

	var total int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM correspondence
		WHERE $1::text IS NULL OR project_id = $1
	`, projectID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count correspondence: %w", err)
	}

	rows, err := pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM correspondence
		WHERE $1::text IS NULL OR project_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, projectID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list correspondence: %w", err)
	}

	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// GetThread returns the whole thread that contains the given record, starting from its root.
func GetThread(ctx context.Context, pool *pgxpool.Pool, id string) (*models.ThreadNode, error) {
	var rootID string
	err := pool.QueryRow(ctx, `
		WITH RECURSIVE ancestors AS (
			SELECT id, parent_id, 0 AS depth FROM correspondence WHERE id = $1
			UNION ALL
			SELECT c.id, c.parent_id, a.depth + 1
			FROM correspondence c
			JOIN ancestors a ON c.id = a.parent_id
		)
		SELECT id FROM ancestors ORDER BY depth DESC LIMIT 1
	`, id).Scan(&rootID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidInput(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to find thread root: %w", err)
	}

	rows, err := pool.Query(ctx, `
		WITH RECURSIVE thread AS (
			SELECT id FROM correspondence WHERE id = $1
			UNION ALL
			SELECT c.id
			FROM correspondence c
			JOIN thread t ON c.parent_id = t.id
		)
		SELECT `+recordColumns+`
		FROM correspondence
		WHERE id IN (SELECT id FROM thread)
		ORDER BY created_at, id
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	return buildThread(rootID, records), nil
}

// buildThread links records, ordered by creation, into a tree under rootID.
func buildThread(rootID string, records []*models.CorrespondenceRecord) *models.ThreadNode {
	nodes := make(map[string]*models.ThreadNode, len(records))
	for _, record := range records {
		nodes[record.ID] = &models.ThreadNode{Record: record}
	}

	for _, record := range records {
		if record.ID == rootID || record.ParentID == nil {
			continue
		}
		if parent, ok := nodes[*record.ParentID]; ok {
			parent.Replies = append(parent.Replies, nodes[record.ID])
		}
	}

	return nodes[rootID]
}

// ListMissingProviderMessageID returns outbound records still waiting for their provider id, oldest first.
// Records without an outgoing Message-Id cannot be matched to a sent copy and are left out.
func ListMissingProviderMessageID(ctx context.Context, pool *pgxpool.Pool, limit int) ([]*models.CorrespondenceRecord, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM correspondence
		WHERE direction = 'outbound'
			AND provider_message_id IS NULL
			AND outgoing_message_id IS NOT NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records without provider id: %w", err)
	}
	return collectRecords(rows)
}

// SetProviderMessageID fills in the provider id of a record that does not have one yet.
// It never overwrites an existing id.
func SetProviderMessageID(ctx context.Context, pool *pgxpool.Pool, id, providerMessageID string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE correspondence
		SET provider_message_id = $2
		WHERE id = $1 AND provider_message_id IS NULL
	`, id, providerMessageID)
	if err != nil {
		if isUniqueViolation(err, providerMessageIDIndex) {
			return fmt.Errorf("%w: %s", ErrDuplicateProviderMessageID, providerMessageID)
		}
		return fmt.Errorf("failed to set provider message id: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s has no pending provider id", ErrRecordNotFound, id)
	}
	return nil
}

func scanRecord(row pgx.Row) (*models.CorrespondenceRecord, error) {
	var (
		record      models.CorrespondenceRecord
		folder      *string
		uidValidity *int64
		uid         *int64
	)

	err := row.Scan(
		&record.ID,
		&record.Direction,
		&record.Sender,
		&record.Recipient,
		&record.Subject,
		&record.Body,
		&record.ProviderMessageID,
		&record.OutgoingMessageID,
		&record.ParentID,
		&record.ProjectID,
		&folder,
		&uidValidity,
		&uid,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if folder != nil && uid != nil {
		record.Source = &models.MailboxSource{Folder: *folder, UID: uint32(*uid)}
		if uidValidity != nil {
			record.Source.UIDValidity = uint32(*uidValidity)
		}
	}

	return &record, nil
}

func collectRecords(rows pgx.Rows) ([]*models.CorrespondenceRecord, error) {
	defer rows.Close()

	var records []*models.CorrespondenceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correspondence: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correspondence: %w", err)
	}

	return records, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

// isInvalidInput matches malformed ids, such as a non-UUID string compared against a UUID column.
func isInvalidInput(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInvalidTextRepr
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
