package middleware

import (
	"net/http"
	"time"

	"github.com/buhmarket/internal/logger"
)

// RequestLog: 5xx логируются всегда, остальные запросы — через LogDuration (медленные или при debug).
// Стоит внутри группы с авторизацией, если нужен user в логе; без неё user пустой.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)
		if wrap.status >= http.StatusInternalServerError {
			logger.Errorf("http %s %s user=%s -> %d (%s)", r.Method, r.URL.Path, GetUserID(r.Context()), wrap.status, time.Since(start))
			return
		}
		logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
	})
}
