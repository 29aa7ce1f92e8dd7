package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cepmail/backend/internal/auth"
)

const maxPageSize = 200

// RequireOperator returns the authenticated operator and writes 401 when there is none.
func RequireOperator(ctx context.Context, w http.ResponseWriter) (string, bool) {
	operator, ok := auth.GetOperatorFromContext(ctx)
	if !ok {
		log.Println("API: request reached a handler without an operator")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return operator, ok
}

// positiveQueryInt reads key from q, falling back to def when it is
// missing, malformed or not positive.
func positiveQueryInt(q url.Values, key string, def int) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ParsePaginationParams reads ?page= and ?limit=. Page starts at 1 and
// limit is capped at maxPageSize.
func ParsePaginationParams(r *http.Request, defaultLimit int) (page, limit int) {
	q := r.URL.Query()
	page = positiveQueryInt(q, "page", 1)
	limit = min(positiveQueryInt(q, "limit", defaultLimit), maxPageSize)
	return page, limit
}

// WriteJSONResponse writes v as JSON with status. Nothing is written
// until encoding has succeeded.
func WriteJSONResponse(w http.ResponseWriter, status int, v any) bool {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(v); err != nil {
		log.Printf("API: could not encode %T: %v", v, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := body.WriteTo(w); err != nil {
		log.Printf("API: client went away mid-response: %v", err)
		return false
	}
	return true
}
