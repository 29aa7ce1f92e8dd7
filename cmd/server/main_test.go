package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cepmail/backend/internal/app"
	"github.com/cepmail/backend/internal/config"
	"github.com/cepmail/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func getTestConfig(t *testing.T) *config.Config {
	return &config.Config{
		Environment:       "test",
		Port:              "8080",
		Timezone:          "UTC",
		IMAPServer:        "127.0.0.1:1",
		IMAPUsername:      "cep",
		IMAPPassword:      "secret",
		IMAPMaxWorkers:    1,
		IMAPInboxFolder:   "INBOX",
		IMAPSentFolder:    "Sent",
		IMAPReviewKeyword: "$NeedsReview",
		SMTPServer:        "127.0.0.1:1",
		SMTPSecurity:      "none",
		DefaultSender:     "cep@example.com",
		AttachmentsDir:    t.TempDir(),
		LocatorAttempts:   1,
		APITokens:         map[string]string{"secret-token": "ana"},
	}
}

func TestHandleRoot(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handleRoot(w, req)

	res := w.Result()
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			t.Fatalf("failed to close response body: %v", err)
		}
	}(res.Body)

	if res.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType != "text/plain" {
		t.Errorf("expected Content-Type 'text/plain', got '%s'", contentType)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	expected := "CEP Mail API is running"
	if string(body) != expected {
		t.Errorf("expected body '%s', got '%s'", expected, string(body))
	}
}

func TestNewServer(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	cfg := getTestConfig(t)
	a, err := app.New(cfg, pool)
	if err != nil {
		t.Fatalf("app.New failed: %v", err)
	}
	defer a.Close()

	server := NewServer(cfg, a)
	if server == nil {
		t.Fatal("NewServer() returned nil")
	}

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		expectCode int
	}{
		{name: "root is public", method: http.MethodGet, path: "/", expectCode: http.StatusOK},
		{name: "listing requires a token", method: http.MethodGet, path: "/api/v1/correspondence", expectCode: http.StatusUnauthorized},
		{name: "unknown token is rejected", method: http.MethodGet, path: "/api/v1/correspondence", token: "nope", expectCode: http.StatusUnauthorized},
		{name: "listing with a token", method: http.MethodGet, path: "/api/v1/correspondence", token: "secret-token", expectCode: http.StatusOK},
		{name: "reviews with a token", method: http.MethodGet, path: "/api/v1/reviews", token: "secret-token", expectCode: http.StatusOK},
		{name: "record lookup routes the id", method: http.MethodGet, path: "/api/v1/correspondence/00000000-0000-0000-0000-000000000000", token: "secret-token", expectCode: http.StatusNotFound},
		{name: "attachment lookup routes the id", method: http.MethodGet, path: "/api/v1/attachments/00000000-0000-0000-0000-000000000000", token: "secret-token", expectCode: http.StatusNotFound},
		{name: "notifications reject GET", method: http.MethodGet, path: "/api/v1/notifications", token: "secret-token", expectCode: http.StatusMethodNotAllowed},
		{name: "notifications validate the body", method: http.MethodPost, path: "/api/v1/notifications", token: "secret-token", expectCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()

			server.ServeHTTP(w, req)

			assert.Equal(t, tt.expectCode, w.Code)
		})
	}
}
