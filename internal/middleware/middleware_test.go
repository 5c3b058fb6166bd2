package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"), "keys are independent")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.allow("a"))
}

func TestRateLimitPerUser(t *testing.T) {
	h := RateLimit(0, 1, time.Minute)(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req = req.WithContext(WithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"too many requests"}`, rec.Body.String())
}

func TestInternalOnly(t *testing.T) {
	h := InternalOnly("s3cret")(http.HandlerFunc(okHandler))
	cases := []struct {
		name   string
		remote string
		header map[string]string
		want   int
	}{
		{"loopback", "127.0.0.1:5555", nil, http.StatusNoContent},
		{"private", "10.1.2.3:5555", nil, http.StatusNoContent},
		{"public", "8.8.8.8:5555", nil, http.StatusForbidden},
		{"public with secret", "8.8.8.8:5555", map[string]string{"X-Internal-Secret": "s3cret"}, http.StatusNoContent},
		{"forwarded public", "10.0.0.1:5555", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/notify", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(RequestLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestDevUser(t *testing.T) {
	var got string
	h := DevUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetUserID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("X-User-Id", "user-7")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "user-7", got)
}

func TestAuthServiceValidate(t *testing.T) {
	var down atomic.Bool
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/validate", r.URL.Path)
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req["signature"] != "sig" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/api/conversations/j1/messages", req["path"])
		assert.Equal(t, http.MethodPost, req["method"])
		assert.JSONEq(t, `{"content":"Добрый день"}`, req["body"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"u-42"}`))
	}))
	defer auth.Close()

	var got, gotBody string
	h := AuthServiceValidate(auth.URL+"/", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetUserID(r.Context())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))

	signed := func(sig string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/conversations/j1/messages?x=1", strings.NewReader(`{"content":"Добрый день"}`))
		req.Header.Set("X-Session-Id", "sess-123456789")
		req.Header.Set("X-Timestamp", "1700000000")
		req.Header.Set("X-Signature", sig)
		return req
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signed("sig"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-42", got)
	assert.JSONEq(t, `{"content":"Добрый день"}`, gotBody, "body is replayed to the handler")

	got = ""
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signed("forged"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, got)

	down.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signed("sig"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthServiceValidateQueryCredentials(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req["session_id"])
		assert.Equal(t, "/ws", req["path"])
		_, _ = w.Write([]byte(`{"user_id":"u-7"}`))
	}))
	defer auth.Close()

	var got string
	h := AuthServiceValidate(auth.URL, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetUserID(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?session_id=s1&timestamp=1&signature=x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-7", got)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "https://***", MaskSecret("https://fcm.googleapis.com/fcm/send/xyz"))
}
