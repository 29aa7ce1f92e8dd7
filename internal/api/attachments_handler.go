package api

import (
	"context"
	"errors"
	"log"
	"mime"
	"net/http"
	"strconv"

	"github.com/cepmail/backend/internal/attachments"
	"github.com/cepmail/backend/internal/db"
)

// PayloadReader loads stored attachment payloads. *attachments.FileStore implements it.
type PayloadReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// AttachmentsHandler serves attachment downloads.
type AttachmentsHandler struct {
	records  CorrespondenceReader
	payloads PayloadReader
}

// NewAttachmentsHandler creates a new AttachmentsHandler instance.
func NewAttachmentsHandler(records CorrespondenceReader, payloads PayloadReader) *AttachmentsHandler {
	return &AttachmentsHandler{records: records, payloads: payloads}
}

// Download writes the payload of one attachment under its original filename.
func (h *AttachmentsHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := RequireOperator(ctx, w); !ok {
		return
	}

	id := r.PathValue("id")
	attachment, err := h.records.GetAttachment(ctx, id)
	if errors.Is(err, db.ErrAttachmentNotFound) {
		http.Error(w, "Attachment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("AttachmentsHandler: Failed to get attachment %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	content, err := h.payloads.Get(ctx, attachment.StorageKey)
	if errors.Is(err, attachments.ErrNotFound) {
		log.Printf("AttachmentsHandler: Payload of attachment %s is missing", id)
		http.Error(w, "Attachment payload not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("AttachmentsHandler: Failed to read payload of %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	if disposition := mime.FormatMediaType("attachment", map[string]string{"filename": attachment.Filename}); disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	if _, err := w.Write(content); err != nil {
		log.Printf("AttachmentsHandler: Failed to write attachment %s: %v", id, err)
	}
}
