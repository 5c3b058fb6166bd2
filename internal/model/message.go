package model

import (
	"strings"
	"time"
)

// TempIDPrefix отмечает локальные (ещё не подтверждённые хранилищем) сообщения.
const TempIDPrefix = "temp-"

type Message struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
	// Sending — только локальный флаг оптимистичной отправки, в БД не хранится.
	Sending bool `json:"sending,omitempty"`
}

// IsTemp сообщает, что у сообщения временный id.
func (m *Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// EntryState — состояние записи в локальном журнале переписки.
type EntryState int

const (
	EntryPending EntryState = iota
	EntryConfirmed
)

func (s EntryState) String() string {
	if s == EntryPending {
		return "pending"
	}
	return "confirmed"
}

// Entry — запись журнала: Pending{TempID, payload} либо Confirmed{ID, payload}.
type Entry struct {
	State   EntryState
	TempID  string
	ID      string
	Message Message
}

// Pending создаёт неподтверждённую запись с временным id.
func Pending(tempID string, m Message) Entry {
	m.ID = tempID
	m.Sending = true
	return Entry{State: EntryPending, TempID: tempID, Message: m}
}

// Confirmed создаёт запись, подтверждённую хранилищем.
func Confirmed(m Message) Entry {
	m.Sending = false
	return Entry{State: EntryConfirmed, ID: m.ID, Message: m}
}

// Key — ключ дедупликации: временный id до подтверждения, постоянный после.
func (e Entry) Key() string {
	if e.State == EntryPending {
		return e.TempID
	}
	return e.ID
}
