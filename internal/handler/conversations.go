package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buhmarket/internal/chat"
	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/repository"
	"github.com/buhmarket/internal/storage"
)

// ChatNotifier создаёт уведомление второй стороне (notify.Emitter).
type ChatNotifier interface {
	ChatMessage(ctx context.Context, job *model.Job, m model.Message) error
}

// ConversationHandler — REST для диалогов: список, история, отправка, прочтение.
// Отправка через REST нужна клиентам без сокета; изменения доходят до сессий через ленту изменений.
type ConversationHandler struct {
	jobs         chat.JobStore
	msgs         chat.MessageStore
	guard        storage.SendGuard
	notifier     ChatNotifier
	historyLimit int
	sendKeyTTL   time.Duration
}

// NewConversationHandler: guard и notifier могут быть nil.
func NewConversationHandler(jobs chat.JobStore, msgs chat.MessageStore, guard storage.SendGuard, notifier ChatNotifier, historyLimit int, sendKeyTTL time.Duration) *ConversationHandler {
	if sendKeyTTL <= 0 {
		sendKeyTTL = 30 * time.Second
	}
	return &ConversationHandler{
		jobs:         jobs,
		msgs:         msgs,
		guard:        guard,
		notifier:     notifier,
		historyLimit: historyLimit,
		sendKeyTTL:   sendKeyTTL,
	}
}

type conversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
	TotalUnread   int                  `json:"total_unread"`
}

// List GET /api/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.List", time.Now())()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	items, err := chat.LoadConversations(r.Context(), userID, h.jobs, h.msgs)
	if err != nil {
		logger.Errorf("list conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}
	total := 0
	for _, c := range items {
		total += c.UnreadCount
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: items, TotalUnread: total})
}

// job загружает заказ и проверяет, что userID его участник. active — чат должен быть открыт для записи.
func (h *ConversationHandler) job(w http.ResponseWriter, r *http.Request, userID string, active bool) (*model.Job, bool) {
	jobID := chi.URLParam(r, "jobId")
	j, err := h.jobs.GetByID(r.Context(), jobID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		logger.Errorf("get job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if !j.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	if active && !j.Status.ChatActive() {
		writeError(w, http.StatusConflict, "conversation is closed")
		return nil, false
	}
	return j, true
}

// Messages GET /api/conversations/{jobId}/messages?limit=N — по возрастанию времени.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	j, ok := h.job(w, r, userID, false)
	if !ok {
		return
	}
	msgs, err := chat.FetchHistory(r.Context(), h.msgs, j.ID, queryInt(r, "limit", h.historyLimit))
	if err != nil {
		logger.Errorf("%v", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendRequest struct {
	Content   string `json:"content"`
	ClientKey string `json:"client_key"`
}

// Send POST /api/conversations/{jobId}/messages
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.Send", time.Now())()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	content, err := chat.ValidateContent(req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, ok := h.job(w, r, userID, true)
	if !ok {
		return
	}

	ctx := r.Context()
	key := ""
	if h.guard != nil && req.ClientKey != "" {
		key = userID + ":" + req.ClientKey
		reserved, err := h.guard.Reserve(ctx, key, h.sendKeyTTL)
		switch {
		case err != nil:
			logger.Errorf("send guard unavailable, sending without it: %v", err)
			key = ""
		case !reserved:
			writeError(w, http.StatusConflict, "message is already being sent")
			return
		}
	}

	saved, err := h.msgs.Insert(ctx, model.Message{JobID: j.ID, SenderID: userID, Content: content})
	if err != nil {
		if key != "" {
			if rerr := h.guard.Release(context.WithoutCancel(ctx), key); rerr != nil {
				logger.Errorf("release send key: %v", rerr)
			}
		}
		logger.Errorf("send message job=%s user=%s: %v", j.ID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	if h.notifier != nil {
		if err := h.notifier.ChatMessage(ctx, j, saved); err != nil {
			logger.Errorf("chat notification job=%s: %v", j.ID, err)
		}
	}
	writeJSON(w, http.StatusCreated, saved)
}

// MarkRead POST /api/conversations/{jobId}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	j, ok := h.job(w, r, userID, false)
	if !ok {
		return
	}
	n, err := h.msgs.MarkRead(r.Context(), j.ID, userID)
	if err != nil {
		logger.Errorf("mark read job=%s user=%s: %v", j.ID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}
