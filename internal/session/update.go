package session

import "github.com/buhmarket/internal/model"

type Kind string

const (
	KindConversations Kind = "conversations"
	KindThread        Kind = "thread"
	KindBadge         Kind = "badge"
	KindAlert         Kind = "alert"
	KindSendFailed    Kind = "send_failed"
	KindError         Kind = "error"
)

// Update — изменение состояния сессии для UI. Заполнено поле, соответствующее Kind.
type Update struct {
	Kind          Kind
	Conversations []model.Conversation
	Thread        *ThreadView
	Count         int
	Alert         *model.Alert
	Failure       *SendFailure
	Err           error
}

// ThreadView — снимок журнала открытого диалога.
type ThreadView struct {
	JobID    string          `json:"job_id"`
	Messages []model.Message `json:"messages"`
	Loading  bool            `json:"loading"`
}

// SendFailure — неудачная отправка; Draft возвращается в поле ввода.
type SendFailure struct {
	JobID  string `json:"job_id"`
	TempID string `json:"temp_id"`
	Draft  string `json:"draft"`
	Error  string `json:"error"`
}

type badgePayload struct {
	Count int `json:"count"`
}

type conversationsPayload struct {
	Conversations []model.Conversation `json:"conversations"`
	TotalUnread   int                  `json:"total_unread"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Payload — тело сообщения для транспорта ({type, payload}).
func (u Update) Payload() any {
	switch u.Kind {
	case KindConversations:
		total := 0
		for _, c := range u.Conversations {
			total += c.UnreadCount
		}
		return conversationsPayload{Conversations: u.Conversations, TotalUnread: total}
	case KindThread:
		return u.Thread
	case KindBadge:
		return badgePayload{Count: u.Count}
	case KindAlert:
		return u.Alert
	case KindSendFailed:
		return u.Failure
	default:
		msg := "internal error"
		if u.Err != nil {
			msg = u.Err.Error()
		}
		return errorPayload{Error: msg}
	}
}
