package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
)

// messageCols — колонки SELECT для messages m с присоединённым профилем отправителя p.
const messageCols = `m.id::text, m.job_id::text, m.sender_id::text, COALESCE(p.full_name, ''), m.content, m.is_read, m.created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s rowScanner, m *model.Message) error {
	return s.Scan(&m.ID, &m.JobID, &m.SenderID, &m.SenderName, &m.Content, &m.IsRead, &m.CreatedAt)
}

// ListRecent — последние limit сообщений заказа, по возрастанию created_at.
func (r *MessageRepository) ListRecent(ctx context.Context, jobID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListRecent", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 LEFT JOIN profiles p ON p.id = m.sender_id
		 WHERE m.job_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $2`, jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListRecent query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListRecent scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListRecent rows: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// Insert сохраняет сообщение; id, created_at и is_read берутся из вставленной строки.
func (r *MessageRepository) Insert(ctx context.Context, m model.Message) (model.Message, error) {
	defer logger.DeferLogDuration("msg.Insert", time.Now())()
	if m.ID == "" || m.IsTemp() {
		m.ID = uuid.NewString()
	}
	var out model.Message
	err := scanMessage(r.pool.QueryRow(ctx,
		`WITH m AS (
			INSERT INTO messages (id, job_id, sender_id, content)
			VALUES ($1, $2, $3, $4)
			RETURNING id, job_id, sender_id, content, is_read, created_at
		 )
		 SELECT `+messageCols+`
		 FROM m
		 LEFT JOIN profiles p ON p.id = m.sender_id`,
		m.ID, m.JobID, m.SenderID, m.Content,
	), &out)
	if err != nil {
		return model.Message{}, fmt.Errorf("msgRepo.Insert: %w", err)
	}
	return out, nil
}

// Last возвращает последнее сообщение заказа; nil, если сообщений нет.
func (r *MessageRepository) Last(ctx context.Context, jobID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Last", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 LEFT JOIN profiles p ON p.id = m.sender_id
		 WHERE m.job_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, jobID,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Last: %w", err)
	}
	return m, nil
}

// CountUnread — непрочитанные сообщения второй стороны в заказе.
func (r *MessageRepository) CountUnread(ctx context.Context, jobID, viewerID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE job_id = $1 AND sender_id <> $2 AND is_read = false`,
		jobID, viewerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnread: %w", err)
	}
	return n, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, jobID, viewerID string) (int64, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_read = true
		 WHERE job_id = $1 AND sender_id <> $2 AND is_read = false`,
		jobID, viewerID,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return tag.RowsAffected(), nil
}
