package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"
)

type contextKey string

// OperatorKey is the context key used to store the authenticated operator's name.
const OperatorKey contextKey = "operator"

var (
	ErrMissingToken = errors.New("token is empty")
	ErrUnknownToken = errors.New("token is not recognised")
)

// Tokens maps API bearer tokens to the operator they belong to.
type Tokens map[string]string

// Validate returns the operator owning token. Every configured token is compared in constant time.
func (t Tokens) Validate(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}

	operator := ""
	for candidate, name := range t {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			operator = name
		}
	}
	if operator == "" {
		return "", ErrUnknownToken
	}
	return operator, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header (RFC 7235).
// The scheme is case-insensitive. It returns "" when the header is missing or malformed.
func BearerToken(r *http.Request) string {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// RequireAuth returns middleware that accepts only requests with a known bearer token.
// The operator's name is stored in the request context for downstream handlers.
func RequireAuth(tokens Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				log.Println("Auth: No Authorization header present")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			token := BearerToken(r)
			if token == "" {
				log.Println("Auth: Invalid Authorization header format")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			operator, err := tokens.Validate(token)
			if err != nil {
				log.Printf("Auth: Token validation failed: %v", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), OperatorKey, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorFromContext returns the operator name stored by RequireAuth.
func GetOperatorFromContext(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(OperatorKey).(string)
	return operator, ok
}

// WithOperator returns a copy of ctx carrying operator, as RequireAuth would.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, OperatorKey, operator)
}
