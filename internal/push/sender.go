package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/storage"
)

// Message — содержимое Web Push, которое показывает service worker.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Sender доставляет Web Push по всем подпискам пользователя.
type Sender struct {
	subs storage.PushSubscriptions
	opts *webpush.Options
}

// NewSender: без VAPID-ключей отправка отключена (подписки всё равно сохраняются).
func NewSender(subs storage.PushSubscriptions, keys *VAPIDKeys, subscriber string, httpClient webpush.HTTPClient) *Sender {
	s := &Sender{subs: subs}
	if keys.Validate() == nil {
		s.opts = keys.options(subscriber, httpClient)
	}
	return s
}

func (s *Sender) Enabled() bool { return s.opts != nil }

// Send отправляет msg на все подписки userID и возвращает число успешных доставок.
// Подписки, на которые endpoint отвечает 404/410, удаляются.
func (s *Sender) Send(ctx context.Context, userID string, msg Message) (int, error) {
	subs, err := s.subs.Subscriptions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("push.Send user=%s: %w", userID, err)
	}
	if s.opts == nil || len(subs) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("push.Send encode: %w", err)
	}
	sent := 0
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.opts)
		if err != nil {
			logger.Errorf("push send user=%s endpoint=%s: %v", userID, shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := s.subs.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push remove expired subscription user=%s: %v", userID, err)
			}
		case resp.StatusCode >= 300:
			logger.Errorf("push send user=%s endpoint=%s: status %d", userID, shortEndpoint(sub.Endpoint), resp.StatusCode)
		default:
			sent++
		}
	}
	return sent, nil
}

func shortEndpoint(e string) string {
	return e[:min(50, len(e))]
}
