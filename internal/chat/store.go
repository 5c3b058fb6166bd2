package chat

import (
	"context"

	"github.com/buhmarket/internal/model"
)

// MessageStore — доступ к таблице messages (реализации: repository.MessageRepository, memory.Store).
type MessageStore interface {
	// ListRecent возвращает последние limit сообщений заказа по возрастанию времени.
	ListRecent(ctx context.Context, jobID string, limit int) ([]model.Message, error)
	Insert(ctx context.Context, m model.Message) (model.Message, error)
	// Last возвращает последнее сообщение заказа или nil.
	Last(ctx context.Context, jobID string) (*model.Message, error)
	CountUnread(ctx context.Context, jobID, viewerID string) (int, error)
	// MarkRead помечает прочитанными сообщения второй стороны и возвращает число изменённых строк.
	MarkRead(ctx context.Context, jobID, viewerID string) (int64, error)
}

// JobStore — заказы, по которым у пользователя есть активный чат.
type JobStore interface {
	ActiveForUser(ctx context.Context, userID string) ([]model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
}
