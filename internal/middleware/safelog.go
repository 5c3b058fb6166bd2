package middleware

import "strings"

// MaskSecret маскирует идентификаторы-секреты в логах (session_id, endpoint push-подписки).
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
