package notify

import (
	"context"

	"github.com/buhmarket/internal/model"
)

// Store — доступ к таблице notifications.
type Store interface {
	// CountUnread считает непрочитанные уведомления пользователя, кроме типов exclude.
	CountUnread(ctx context.Context, userID string, exclude []model.NotificationType) (int, error)
	// MarkAllRead помечает прочитанными все непрочитанные; пустой types — все типы.
	MarkAllRead(ctx context.Context, userID string, types []model.NotificationType) (int64, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int64, error)
	List(ctx context.Context, userID string, limit int) ([]model.Notification, error)
}
