package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/cepmail/backend/internal/db"
	"github.com/cepmail/backend/internal/models"
)

// CorrespondenceReader is the read side of the correspondence store. *db.Store implements it.
type CorrespondenceReader interface {
	ListCorrespondence(ctx context.Context, filter db.ListFilter) ([]*models.CorrespondenceRecord, int, error)
	GetCorrespondence(ctx context.Context, id string) (*models.CorrespondenceRecord, error)
	GetThread(ctx context.Context, id string) (*models.ThreadNode, error)
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	ListReviewItems(ctx context.Context, limit int) ([]models.ReviewItem, error)
}

// CorrespondenceHandler serves stored correspondence.
type CorrespondenceHandler struct {
	records CorrespondenceReader
}

// NewCorrespondenceHandler creates a new CorrespondenceHandler instance.
func NewCorrespondenceHandler(records CorrespondenceReader) *CorrespondenceHandler {
	return &CorrespondenceHandler{records: records}
}

// List returns a page of records, newest first, optionally for one project.
func (h *CorrespondenceHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := RequireOperator(ctx, w); !ok {
		return
	}

	page, limit := ParsePaginationParams(r, 50)
	filter := db.ListFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Limit:     limit,
		Offset:    (page - 1) * limit,
	}

	records, total, err := h.records.ListCorrespondence(ctx, filter)
	if err != nil {
		log.Printf("CorrespondenceHandler: Failed to list records: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*models.CorrespondenceRecord{}
	}

	WriteJSONResponse(w, http.StatusOK, &models.CorrespondenceListResponse{
		Records: records,
		Pagination: models.PaginationInfo{
			TotalCount: total,
			Page:       page,
			PerPage:    limit,
		},
	})
}

// Get returns one record with its attachments and the whole thread it belongs to.
func (h *CorrespondenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := RequireOperator(ctx, w); !ok {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	record, err := h.records.GetCorrespondence(ctx, id)
	if errors.Is(err, db.ErrRecordNotFound) {
		http.Error(w, "Correspondence not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("CorrespondenceHandler: Failed to get record %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	thread, err := h.records.GetThread(ctx, id)
	if err != nil {
		log.Printf("CorrespondenceHandler: Failed to get thread of %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, http.StatusOK, &models.CorrespondenceResponse{
		Record: record,
		Thread: thread,
	})
}

// Reviews lists mailbox messages that were left for manual review.
func (h *CorrespondenceHandler) Reviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := RequireOperator(ctx, w); !ok {
		return
	}

	_, limit := ParsePaginationParams(r, 100)
	items, err := h.records.ListReviewItems(ctx, limit)
	if err != nil {
		log.Printf("CorrespondenceHandler: Failed to list review items: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.ReviewItem{}
	}

	WriteJSONResponse(w, http.StatusOK, items)
}
