package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
)

const notifyTimeout = 5 * time.Second

// Client — клиент сервиса push для API. Пустой baseURL — все методы no-op.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient: secret уходит в X-Internal-Secret, если API и push в разных сетях.
func NewClient(baseURL, secret string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SubscribeRequest — тело запроса подписки.
type SubscribeRequest struct {
	UserID       string                 `json:"user_id"`
	Subscription model.PushSubscription `json:"subscription"`
}

// UnsubscribeRequest — тело запроса отписки.
type UnsubscribeRequest struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

// Enabled — задан ли URL push-сервиса.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// call отправляет JSON и ждёт 204.
func (c *Client) call(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push %s %s: encode: %w", method, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Internal-Secret", c.secret)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

// Subscribe сохраняет подписку браузера пользователя.
func (c *Client) Subscribe(ctx context.Context, userID string, sub model.PushSubscription) error {
	if !c.Enabled() {
		return nil
	}
	return c.call(ctx, http.MethodPost, "/api/subscribe", SubscribeRequest{UserID: userID, Subscription: sub})
}

func (c *Client) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if !c.Enabled() {
		return nil
	}
	return c.call(ctx, http.MethodDelete, "/api/subscribe", UnsubscribeRequest{UserID: userID, Endpoint: endpoint})
}

// Notify отправляет пуш пользователю без живого сокета. Ошибки только логируются: уведомление
// уже сохранено и будет видно при следующем входе. Отмена ctx вызывающего не прерывает отправку.
func (c *Client) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err := c.call(ctx, http.MethodPost, "/api/notify", NotifyRequest{UserID: userID, Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push notify user=%s: %v", userID, err)
	}
}
