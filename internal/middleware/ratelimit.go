package middleware

import (
	"net/http"
	"sync"
	"time"
)

const (
	DefaultRateWindow  = time.Minute
	DefaultRateMaxIP   = 200
	DefaultRateMaxUser = 100
)

type rateLimiter struct {
	mu     sync.Mutex
	times  map[string][]time.Time
	max    int
	window time.Duration
	now    func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window, now: time.Now}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	slice := r.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= r.max {
		r.times[key] = slice
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// RateLimit ограничивает запросы скользящим окном по IP и по user_id (если он уже в контексте). 429 при превышении.
// Ноль или отрицательное значение отключает соответствующий лимит.
func RateLimit(maxPerIP, maxPerUser int, window time.Duration) func(http.Handler) http.Handler {
	if window <= 0 {
		window = DefaultRateWindow
	}
	byIP := newRateLimiter(maxPerIP, window)
	byUser := newRateLimiter(maxPerUser, window)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxPerIP > 0 && !byIP.allow(clientIP(r)) {
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			if userID := GetUserID(r.Context()); userID != "" && maxPerUser > 0 {
				if !byUser.allow("u:" + userID) {
					writeJSONError(w, http.StatusTooManyRequests, "too many requests")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
