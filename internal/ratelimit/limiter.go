package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"our-journey-auth/internal/observability"
)

// Store counts hits per key within a window.
type Store interface {
	Allow(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

type Limiter struct {
	store   Store
	maxHits int
	window  time.Duration
	logger  *observability.Logger
	now     func() time.Time
}

func NewLimiter(store Store, maxHits int, window time.Duration, logger *observability.Logger) *Limiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		store:   store,
		maxHits: maxHits,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

// Middleware limits each client IP per route. Store failures let the request through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path + "|" + observability.ClientIP(r)

		allowed, retryAfter, err := l.store.Allow(r.Context(), key, l.maxHits, l.window, l.now().UTC())
		if err != nil {
			if l.logger != nil {
				l.logger.Error("rate_limit_check_failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
			}
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "요청이 너무 많습니다. 잠시 후 다시 시도해 주세요."})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retrySeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
