package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleExpiry = 10 * time.Minute

// RateLimiter returns middleware allowing each operator at most requests calls per duration.
// It must run after auth.RequireAuth. A non-positive requests disables limiting.
func RateLimiter(requests int, duration time.Duration) func(http.Handler) http.Handler {
	type operatorLimiter struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		operators   = make(map[string]*operatorLimiter)
		mu          sync.Mutex
		lastCleanup = time.Now()
	)

	return func(next http.Handler) http.Handler {
		if requests <= 0 {
			return next
		}
		retryAfter := strconv.Itoa(int((duration / time.Duration(requests)).Seconds()) + 1)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator, ok := RequireOperator(r.Context(), w)
			if !ok {
				return
			}

			now := time.Now()
			mu.Lock()
			if now.Sub(lastCleanup) > limiterIdleExpiry {
				for name, ol := range operators {
					if now.Sub(ol.lastSeen) > limiterIdleExpiry {
						delete(operators, name)
					}
				}
				lastCleanup = now
			}
			ol, exists := operators[operator]
			if !exists {
				ol = &operatorLimiter{limiter: rate.NewLimiter(rate.Every(duration/time.Duration(requests)), requests)}
				operators[operator] = ol
			}
			ol.lastSeen = now
			allowed := ol.limiter.Allow()
			mu.Unlock()

			if !allowed {
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
