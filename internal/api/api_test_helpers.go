package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cepmail/backend/internal/auth"
	"github.com/cepmail/backend/internal/db"
	"github.com/cepmail/backend/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// createRequestWithOperator creates an HTTP request as RequireAuth would pass it on.
func createRequestWithOperator(method, url, operator string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, url, body)
	return req.WithContext(auth.WithOperator(req.Context(), operator))
}

func strPtr(s string) *string {
	return &s
}

// saveRecord inserts a record for tests that read through the real store.
func saveRecord(t *testing.T, pool *pgxpool.Pool, record *models.CorrespondenceRecord, attachments ...db.NewAttachment) *models.CorrespondenceRecord {
	t.Helper()
	if err := db.CreateCorrespondence(context.Background(), pool, record, attachments); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	return record
}

func outboundRecord(subject string, projectID *string) *models.CorrespondenceRecord {
	return &models.CorrespondenceRecord{
		Direction: models.DirectionOutbound,
		Sender:    "cep@cep.example.com",
		Recipient: "pesquisador@example.com",
		Subject:   subject,
		Body:      "texto",
		ProjectID: projectID,
	}
}
