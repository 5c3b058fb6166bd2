package handler

import (
	"net/http"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/notify"
	"github.com/buhmarket/internal/repository"
)

// NotificationHandler — страница уведомлений и бейдж для клиентов без сокета.
type NotificationHandler struct {
	store notify.Store
	opts  notify.Options
}

func NewNotificationHandler(store notify.Store, opts notify.Options) *NotificationHandler {
	return &NotificationHandler{store: store, opts: opts}
}

// List GET /api/notifications?limit=N — новые сверху.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", repository.DefaultNotificationsLimit)
	if limit <= 0 || limit > 200 {
		limit = repository.DefaultNotificationsLimit
	}
	items, err := h.store.List(r.Context(), userID, limit)
	if err != nil {
		logger.Errorf("list notifications user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	if items == nil {
		items = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

// Count GET /api/notifications/count — то же число, что бейдж сессии.
func (h *NotificationHandler) Count(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.store.CountUnread(r.Context(), userID, h.opts.Excluded())
	if err != nil {
		logger.Errorf("count notifications user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type markReadRequest struct {
	IDs []string `json:"ids"`
}

// MarkRead POST /api/notifications/read {"ids": [...]}
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	n, err := h.store.MarkRead(r.Context(), userID, req.IDs)
	if err != nil {
		logger.Errorf("mark notifications read user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

type markAllReadRequest struct {
	Types []model.NotificationType `json:"types"`
}

// MarkAllRead POST /api/notifications/read-all {"types": [...]} (тело необязательно).
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req markAllReadRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	for _, t := range req.Types {
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, "unknown notification type: "+string(t))
			return
		}
	}
	n, err := h.store.MarkAllRead(r.Context(), userID, req.Types)
	if err != nil {
		logger.Errorf("mark all notifications read user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}
