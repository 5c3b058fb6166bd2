package handler

import (
	"context"
	"net/http"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/middleware"
	"github.com/buhmarket/internal/model"
)

// PushSubscriber — клиент push-сервиса (push.Client).
type PushSubscriber interface {
	Subscribe(ctx context.Context, userID string, sub model.PushSubscription) error
	Unsubscribe(ctx context.Context, userID, endpoint string) error
}

// PushHandler обрабатывает подписку на пуш-уведомления (сессия обязательна).
type PushHandler struct {
	client PushSubscriber
}

func NewPushHandler(client PushSubscriber) *PushHandler {
	return &PushHandler{client: client}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription model.PushSubscription `json:"subscription"`
}

// Subscribe сохраняет подписку на push-сервисе для текущего пользователя.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req SubscribeRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.client.Subscribe(r.Context(), userID, req.Subscription); err != nil {
		logger.Errorf("push subscribe user=%s endpoint=%s: %v", userID, middleware.MaskSecret(req.Subscription.Endpoint), err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req UnsubscribeRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.client.Unsubscribe(r.Context(), userID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
