package push

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/storage/memory"
)

func browserSubscription(t *testing.T, endpoint string) model.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	var sub model.PushSubscription
	sub.Endpoint = endpoint
	sub.Keys.P256dh = base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	sub.Keys.Auth = base64.RawURLEncoding.EncodeToString(auth)
	return sub
}

func testKeys(t *testing.T) *VAPIDKeys {
	t.Helper()
	keys, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	require.NoError(t, keys.Validate())
	return keys
}

func TestResolveVAPIDKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")

	generated, err := ResolveVAPIDKeys(VAPIDKeys{}, path)
	require.NoError(t, err)
	require.NoError(t, generated.Validate())

	// повторный запуск берёт ключи из файла
	again, err := ResolveVAPIDKeys(VAPIDKeys{}, path)
	require.NoError(t, err)
	assert.Equal(t, *generated, *again)

	fromEnv := testKeys(t)
	got, err := ResolveVAPIDKeys(*fromEnv, path)
	require.NoError(t, err)
	assert.Equal(t, *fromEnv, *got)

	_, err = ResolveVAPIDKeys(VAPIDKeys{PublicKey: "broken"}, path)
	assert.ErrorIs(t, err, ErrInvalidVAPIDKeys)

	require.NoError(t, os.WriteFile(path, []byte(`{"public_key":"x","private_key":"y"}`), 0o600))
	fresh, err := ResolveVAPIDKeys(VAPIDKeys{}, path)
	require.NoError(t, err)
	assert.NotEqual(t, "x", fresh.PublicKey)
}

func TestSenderDeliversAndDropsExpired(t *testing.T) {
	var delivered atomic.Int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
			assert.NotEmpty(t, r.Header.Get("Authorization"))
			delivered.Add(1)
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer endpoint.Close()

	ctx := context.Background()
	subs := memory.New()
	require.NoError(t, subs.AddSubscription(ctx, "u1", browserSubscription(t, endpoint.URL+"/ok")))
	require.NoError(t, subs.AddSubscription(ctx, "u1", browserSubscription(t, endpoint.URL+"/gone")))

	s := NewSender(subs, testKeys(t), "ops@buhmarket.example", endpoint.Client())
	require.True(t, s.Enabled())
	sent, err := s.Send(ctx, "u1", Message{Title: "Новое сообщение", Body: "Игорь: готово", Data: map[string]string{"link": "/dashboard/chat?job=j1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.EqualValues(t, 1, delivered.Load())

	left, err := subs.Subscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, endpoint.URL+"/ok", left[0].Endpoint)
}

func TestSenderWithoutKeysIsNoop(t *testing.T) {
	subs := memory.New()
	require.NoError(t, subs.AddSubscription(context.Background(), "u1", browserSubscription(t, "https://push.example/x")))
	s := NewSender(subs, nil, "", nil)
	assert.False(t, s.Enabled())
	sent, err := s.Send(context.Background(), "u1", Message{Title: "x"})
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestServerSubscribeFlow(t *testing.T) {
	subs := memory.New()
	srv := NewServer(subs, NewSender(subs, nil, "", nil), "PUBKEY")
	r := chi.NewRouter()
	srv.Routes(r)

	sub := browserSubscription(t, "https://push.example/abc")
	body, err := json.Marshal(SubscribeRequest{UserID: "u1", Subscription: sub})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/subscribe", bytes.NewReader(body)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := subs.Subscriptions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/subscribe", bytes.NewReader([]byte(`{"user_id":"u1","subscription":{"endpoint":"x"}}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/notify", bytes.NewReader([]byte(`{"user_id":"u1","title":"t"}`))))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	body, err = json.Marshal(UnsubscribeRequest{UserID: "u1", Endpoint: sub.Endpoint})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/subscribe", bytes.NewReader(body)))
	require.Equal(t, http.StatusNoContent, rec.Code)
	got, err = subs.Subscriptions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, got)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vapid-public", nil))
	assert.Equal(t, "PUBKEY", rec.Body.String())
}

func TestClientTalksToServer(t *testing.T) {
	var got NotifyRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("X-Internal-Secret"))
		if r.URL.Path == "/api/notify" {
			_ = json.NewDecoder(r.Body).Decode(&got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", "s3cret")
	require.True(t, c.Enabled())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// отменённый контекст запроса не мешает отправке
	c.Notify(ctx, "u2", "Новое приглашение", "текст", map[string]string{"link": "/jobs/j1"})
	assert.Equal(t, "u2", got.UserID)
	assert.Equal(t, "/jobs/j1", got.Data["link"])
	require.NoError(t, c.Subscribe(context.Background(), "u2", browserSubscription(t, "https://push.example/1")))
	require.NoError(t, c.Unsubscribe(context.Background(), "u2", "https://push.example/1"))

	off := NewClient("", "")
	assert.False(t, off.Enabled())
	off.Notify(context.Background(), "u2", "x", "y", nil)
	assert.NoError(t, off.Subscribe(context.Background(), "u2", model.PushSubscription{}))
}
