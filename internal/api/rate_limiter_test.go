package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RateLimiter(2, time.Hour)(next)

	send := func(operator string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, createRequestWithOperator("POST", "/api/v1/sync", operator, nil))
		return rr
	}

	assert.Equal(t, http.StatusNoContent, send("ana").Code)
	assert.Equal(t, http.StatusNoContent, send("ana").Code)

	limited := send("ana")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, send("bruno").Code, "operators have separate budgets")
	assert.Equal(t, 3, calls)
}

func TestRateLimiterRequiresOperator(t *testing.T) {
	handler := RateLimiter(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without an operator")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/sync", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := RateLimiter(0, time.Minute)(next)

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/sync", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}
