package handler

import (
	"net/http"

	"github.com/buhmarket/internal/chat"
	"github.com/buhmarket/internal/config"
)

// ConfigHandler отдаёт публичные параметры конфигурации клиенту.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg.PushServiceURL == "" || h.cfg.PushVAPIDPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.cfg.PushVAPIDPublicKey,
	})
}

// GetChatConfig — лимиты, которые клиент проверяет до отправки.
func (h *ConfigHandler) GetChatConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"history_limit":     h.cfg.Chat.HistoryLimit,
		"max_message_runes": chat.MaxContentRunes,
	})
}
