package middleware

import (
	"net"
	"net/http"
	"strings"
)

// InternalOnly разрешает запрос только с приватных IP или при заголовке X-Internal-Secret == secret.
// Сервис push не экспонируется наружу: его вызывает api из той же сети.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get("X-Internal-Secret") == secret {
				next.ServeHTTP(w, r)
				return
			}
			if ip := clientIP(r); ip != "" && isPrivateIP(ip) {
				next.ServeHTTP(w, r)
				return
			}
			writeJSONError(w, http.StatusForbidden, "forbidden")
		})
	}
}

// clientIP: X-Real-Ip, затем первый адрес X-Forwarded-For, затем RemoteAddr.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
