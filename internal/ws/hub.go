package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/buhmarket/internal/chat"
	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/session"
)

const actionTimeout = 5 * time.Second

// SessionFactory создаёт сессию для нового подключения пользователя.
type SessionFactory func(userID string) *session.Session

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	newSession SessionFactory
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(newSession SessionFactory, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		newSession: newSession,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Debugf("ws connected user=%s", c.userID)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
	logger.Debugf("ws disconnected user=%s", c.userID)
}

// Online сообщает, есть ли у пользователя живое подключение (для решения о Web Push).
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Count — число открытых подключений.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// HandleMessage dispatches incoming WebSocket messages to the client's session.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.HandleMessage", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case EventSelectConversation:
		err = c.session.Select(ctx, msg.JobID)
	case EventSendMessage:
		var tempID string
		tempID, err = c.session.Send(ctx, msg.Content, msg.ClientKey)
		if err == nil {
			h.sendToClient(c, OutgoingMessage{Type: EventSendAccepted, Payload: SendAcceptedPayload{TempID: tempID, ClientKey: msg.ClientKey}})
		}
	case EventMarkRead:
		err = c.session.MarkRead(ctx, msg.JobID)
	case EventMarkAllRead:
		err = c.session.MarkAllRead(ctx, msg.Types...)
	case EventMarkNotificationsRead:
		if len(msg.IDs) == 0 {
			h.sendToClient(c, errorMessage("ids required"))
			return
		}
		err = c.session.MarkNotificationsRead(ctx, msg.IDs...)
	case EventFetchCount:
		err = c.session.FetchCount(ctx)
	default:
		h.sendToClient(c, errorMessage("unknown event type"))
		return
	}
	if err != nil {
		h.sendToClient(c, errorMessage(clientError(err)))
	}
}

// clientError — текст ошибки для клиента; внутренние ошибки не раскрываются.
func clientError(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, chat.ErrNoConversation),
		errors.Is(err, session.ErrDuplicateSend),
		errors.Is(err, session.ErrClosed):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		logger.Errorf("ws action: %v", err)
		return "internal error"
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
