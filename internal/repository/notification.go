package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
)

const notificationCols = `id::text, user_id::text, type, title, COALESCE(content, ''), COALESCE(link, ''),
	COALESCE(job_id::text, ''), is_read, group_count, created_at`

// DefaultNotificationsLimit — размер страницы уведомлений.
const DefaultNotificationsLimit = 50

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func scanNotification(s rowScanner, n *model.Notification) error {
	return s.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Content, &n.Link, &n.JobID, &n.IsRead, &n.GroupCount, &n.CreatedAt)
}

func typeStrings(types []model.NotificationType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// CountUnread — непрочитанные уведомления пользователя, кроме типов exclude.
func (r *NotificationRepository) CountUnread(ctx context.Context, userID string, exclude []model.NotificationType) (int, error) {
	defer logger.DeferLogDuration("notif.CountUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications
		 WHERE user_id = $1 AND is_read = false AND NOT (type = ANY($2::text[]))`,
		userID, typeStrings(exclude),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.CountUnread: %w", err)
	}
	return n, nil
}

// MarkAllRead помечает прочитанными непрочитанные уведомления; пустой types — все типы.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string, types []model.NotificationType) (int64, error) {
	defer logger.DeferLogDuration("notif.MarkAllRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true
		 WHERE user_id = $1 AND is_read = false
		   AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))`,
		userID, typeStrings(types),
	)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.MarkAllRead: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	defer logger.DeferLogDuration("notif.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true
		 WHERE user_id = $1 AND is_read = false AND id::text = ANY($2::text[])`,
		userID, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.MarkRead: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List — последние уведомления пользователя, новые первыми.
func (r *NotificationRepository) List(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notif.List", time.Now())()
	if limit <= 0 || limit > DefaultNotificationsLimit {
		limit = DefaultNotificationsLimit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.List query: %w", err)
	}
	defer rows.Close()

	list := make([]model.Notification, 0, limit)
	for rows.Next() {
		var n model.Notification
		if err := scanNotification(rows, &n); err != nil {
			return nil, fmt.Errorf("notifRepo.List scan: %w", err)
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.List rows: %w", err)
	}
	return list, nil
}

// Create вставляет уведомление (приглашение, отклик, биллинг и т.п.).
func (r *NotificationRepository) Create(ctx context.Context, n model.Notification) (model.Notification, error) {
	defer logger.DeferLogDuration("notif.Create", time.Now())()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	var out model.Notification
	err := scanNotification(r.pool.QueryRow(ctx,
		`INSERT INTO notifications (id, user_id, type, title, content, link, job_id)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, '')::uuid)
		 RETURNING `+notificationCols,
		n.ID, n.UserID, n.Type, n.Title, n.Content, n.Link, n.JobID,
	), &out)
	if err != nil {
		return model.Notification{}, fmt.Errorf("notifRepo.Create: %w", err)
	}
	return out, nil
}

// UpsertChatNotification держит одну непрочитанную запись chat_message на получателя и заказ:
// новая запись создаётся, если непрочитанной нет, иначе group_count увеличивается и текст обновляется.
// Один INSERT ... ON CONFLICT по uq_notifications_chat_unread: параллельные отправки не теряют группу.
// created = true, если строка вставлена (xmax = 0).
func (r *NotificationRepository) UpsertChatNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error) {
	defer logger.DeferLogDuration("notif.UpsertChat", time.Now())()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	var out model.Notification
	var created bool
	err := r.pool.QueryRow(ctx,
		`INSERT INTO notifications (id, user_id, type, title, content, link, job_id)
		 VALUES ($1, $2, 'chat_message', $3, NULLIF($4, ''), NULLIF($5, ''), $6::uuid)
		 ON CONFLICT (user_id, job_id) WHERE type = 'chat_message' AND is_read = false
		 DO UPDATE SET group_count = notifications.group_count + 1,
		               content = EXCLUDED.content,
		               created_at = now()
		 RETURNING `+notificationCols+`, (xmax = 0)`,
		n.ID, n.UserID, n.Title, n.Content, n.Link, n.JobID,
	).Scan(&out.ID, &out.UserID, &out.Type, &out.Title, &out.Content, &out.Link, &out.JobID,
		&out.IsRead, &out.GroupCount, &out.CreatedAt, &created)
	if err != nil {
		return model.Notification{}, false, fmt.Errorf("notifRepo.UpsertChat: %w", err)
	}
	return out, created, nil
}
