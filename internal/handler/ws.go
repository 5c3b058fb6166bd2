package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/middleware"
	"github.com/buhmarket/internal/ws"
)

// WSHandler поднимает WebSocket-сессию пользователя. ?job=<id> сразу открывает диалог.
type WSHandler struct {
	hub      *ws.Hub
	origins  []string
	upgrader websocket.Upgrader
}

// NewWSHandler: allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, allowedOrigins string) *WSHandler {
	h := &WSHandler{hub: hub}
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			h.origins = append(h.origins, o)
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

// originAllowed: пустой список или "*" — любой origin; запросы без Origin (не браузер) пропускаются.
func (h *WSHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.originAllowed(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	jobID := strings.TrimSpace(r.URL.Query().Get("job"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade user=%s: %v", userID, err)
		return
	}

	// соединение живёт дольше запроса
	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID)
	if err := client.Start(ctx, cancel); err != nil {
		logger.Errorf("ws start session user=%s: %v", userID, err)
		return
	}
	h.hub.Register(client)
	if jobID != "" {
		client.Open(jobID)
	}
	logger.Debugf("ws connected user=%s job=%s", userID, jobID)
}
