package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buhmarket/internal/logger"
)

// maxSignedBody — тела больше не подписываются фронтом и не принимаются API.
const maxSignedBody = 1 << 20

var (
	errUnauthorized    = errors.New("unauthorized")
	errAuthUnavailable = errors.New("auth service unavailable")
)

// credentials — подпись запроса: заголовки X-Session-Id, X-Timestamp, X-Signature
// (для WebSocket — query session_id, timestamp, signature, браузер не даёт задать заголовки).
type credentials struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

func credentialsFrom(r *http.Request) (credentials, bool) {
	pick := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}
	c := credentials{
		SessionID: pick("X-Session-Id", "session_id"),
		Timestamp: pick("X-Timestamp", "timestamp"),
		Signature: pick("X-Signature", "signature"),
	}
	return c, c.SessionID != "" && c.Timestamp != "" && c.Signature != ""
}

type validateRequest struct {
	credentials
	Method string `json:"method"`
	// Path — только pathname, без query: так подписывает фронт.
	Path string `json:"path"`
	Body string `json:"body"`
}

type authValidator struct {
	url    string
	client *http.Client
}

// validate спрашивает сервис авторизации и возвращает user_id владельца сессии.
func (v *authValidator) validate(ctx context.Context, req validateRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url+"/internal/validate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errAuthUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", errAuthUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", errUnauthorized
	}
	var result struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
		return "", errUnauthorized
	}
	return result.UserID, nil
}

// AuthServiceValidate проверяет подпись запроса в сервисе авторизации и кладёт user_id в контекст.
// Недоступность сервиса — 503, чтобы клиент не сбрасывал сессию.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	v := &authValidator{url: strings.TrimSuffix(authServiceURL, "/"), client: client}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := credentialsFrom(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
				if err != nil {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			userID, err := v.validate(r.Context(), validateRequest{
				credentials: creds,
				Method:      r.Method,
				Path:        r.URL.Path,
				Body:        string(body),
			})
			switch {
			case errors.Is(err, errAuthUnavailable):
				logger.Errorf("auth validate session=%s: %v", MaskSecret(creds.SessionID), err)
				writeJSONError(w, http.StatusServiceUnavailable, "auth service unavailable")
				return
			case err != nil:
				logger.Debugf("auth rejected session=%s %s %s: %v", MaskSecret(creds.SessionID), r.Method, r.URL.Path, err)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// DevUser берёт user_id из заголовка X-User-Id (или ?user_id=). Только для -dev без сервиса авторизации.
func DevUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
