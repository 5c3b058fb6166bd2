package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/storage"
)

// NotifyRequest — запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Server — HTTP API сервиса push: подписки и отправка.
type Server struct {
	subs        storage.PushSubscriptions
	sender      *Sender
	vapidPublic string
}

func NewServer(subs storage.PushSubscriptions, sender *Sender, vapidPublic string) *Server {
	return &Server{subs: subs, sender: sender, vapidPublic: vapidPublic}
}

// Routes монтирует /api/* на r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/api/vapid-public", s.handleVAPIDPublic)
	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.handleSubscribe)
		r.Delete("/subscribe", s.handleUnsubscribe)
		r.Post("/notify", s.handleNotify)
	})
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if s.vapidPublic == "" {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.vapidPublic))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || !req.Subscription.Valid() {
		http.Error(w, "user_id and subscription (endpoint, keys.p256dh, keys.auth) required", http.StatusBadRequest)
		return
	}
	if err := s.subs.AddSubscription(r.Context(), req.UserID, req.Subscription); err != nil {
		logger.Errorf("subscribe user=%s: %v", req.UserID, err)
		http.Error(w, "failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Endpoint == "" {
		http.Error(w, "user_id and endpoint required", http.StatusBadRequest)
		return
	}
	if err := s.subs.RemoveSubscription(r.Context(), req.UserID, req.Endpoint); err != nil {
		logger.Errorf("unsubscribe user=%s: %v", req.UserID, err)
		http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	sent, err := s.sender.Send(ctx, req.UserID, Message{Title: req.Title, Body: req.Body, Data: req.Data})
	if err != nil {
		logger.Errorf("notify: %v", err)
		http.Error(w, "failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	logger.Debugf("notify user=%s sent=%d", req.UserID, sent)
	w.WriteHeader(http.StatusNoContent)
}
