package ws

import (
	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/session"
)

type EventType string

// Входящие действия.
const (
	EventSelectConversation    EventType = "select_conversation"
	EventSendMessage           EventType = "send_message"
	EventMarkRead              EventType = "mark_read"
	EventMarkAllRead           EventType = "mark_all_read"
	EventMarkNotificationsRead EventType = "mark_notifications_read"
	EventFetchCount            EventType = "fetch_count"
)

// Исходящие события. Остальные типы совпадают с session.Kind.
const (
	EventSendAccepted EventType = "send_accepted"
	EventError        EventType = EventType(session.KindError)
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	ClientKey string    `json:"client_key,omitempty"`

	// mark_all_read: пусто — все типы
	Types []model.NotificationType `json:"types,omitempty"`
	// mark_notifications_read
	IDs []string `json:"ids,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// SendAcceptedPayload связывает client_key с временным id оптимистичного сообщения.
type SendAcceptedPayload struct {
	TempID    string `json:"temp_id"`
	ClientKey string `json:"client_key,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func fromUpdate(u session.Update) OutgoingMessage {
	return OutgoingMessage{Type: EventType(u.Kind), Payload: u.Payload()}
}

func errorMessage(msg string) OutgoingMessage {
	return OutgoingMessage{Type: EventError, Payload: ErrorPayload{Error: msg}}
}
