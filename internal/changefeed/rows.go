package changefeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buhmarket/internal/model"
)

// messageRow — строка messages в том виде, в каком её отдаёт триггер (row_to_json).
// Связь profiles может прийти объектом, массивом или не прийти вовсе.
type messageRow struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	SenderID  string          `json:"sender_id"`
	Content   string          `json:"content"`
	IsRead    bool            `json:"is_read"`
	CreatedAt time.Time       `json:"created_at"`
	Profiles  json.RawMessage `json:"profiles,omitempty"`
}

type notificationRow struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	Type       model.NotificationType `json:"type"`
	Title      string                 `json:"title"`
	Content    *string                `json:"content"`
	Link       *string                `json:"link"`
	JobID      *string                `json:"job_id"`
	IsRead     bool                   `json:"is_read"`
	GroupCount *int                   `json:"group_count"`
	CreatedAt  time.Time              `json:"created_at"`
}

// DecodeMessage приводит строку messages к model.Message.
func DecodeMessage(row json.RawMessage) (model.Message, error) {
	var r messageRow
	if err := json.Unmarshal(row, &r); err != nil {
		return model.Message{}, fmt.Errorf("changefeed.DecodeMessage: %w", err)
	}
	if r.ID == "" || r.JobID == "" {
		return model.Message{}, fmt.Errorf("changefeed.DecodeMessage: id and job_id required")
	}
	m := model.Message{
		ID:        r.ID,
		JobID:     r.JobID,
		SenderID:  r.SenderID,
		Content:   r.Content,
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt,
	}
	if rel := FirstRelation(r.Profiles); rel != nil {
		var p struct {
			FullName string `json:"full_name"`
		}
		if err := json.Unmarshal(rel, &p); err == nil {
			m.SenderName = p.FullName
		}
	}
	return m, nil
}

// DecodeNotification приводит строку notifications к model.Notification.
func DecodeNotification(row json.RawMessage) (model.Notification, error) {
	var r notificationRow
	if err := json.Unmarshal(row, &r); err != nil {
		return model.Notification{}, fmt.Errorf("changefeed.DecodeNotification: %w", err)
	}
	if r.ID == "" {
		return model.Notification{}, fmt.Errorf("changefeed.DecodeNotification: id required")
	}
	n := model.Notification{
		ID:         r.ID,
		UserID:     r.UserID,
		Type:       r.Type,
		Title:      r.Title,
		IsRead:     r.IsRead,
		GroupCount: 1,
		CreatedAt:  r.CreatedAt,
	}
	if r.Content != nil {
		n.Content = *r.Content
	}
	if r.Link != nil {
		n.Link = *r.Link
	}
	if r.JobID != nil {
		n.JobID = *r.JobID
	}
	if r.GroupCount != nil && *r.GroupCount > 0 {
		n.GroupCount = *r.GroupCount
	}
	return n, nil
}

// FirstRelation нормализует присоединённую связь: объект возвращается как есть,
// из массива берётся первый элемент, null и пустой массив дают nil.
func FirstRelation(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '[' {
		return raw
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return nil
	}
	return FirstRelation(items[0])
}

// MessageEvent строит событие INSERT для сообщения (используется хранилищем в памяти).
func MessageEvent(op Op, m model.Message) Event {
	row, _ := json.Marshal(messageRow{
		ID:        m.ID,
		JobID:     m.JobID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		IsRead:    m.IsRead,
		CreatedAt: m.CreatedAt,
	})
	return Event{Table: TableMessages, Op: op, New: row}
}

// NotificationEvent строит событие для уведомления; old может быть nil.
func NotificationEvent(op Op, n model.Notification, old *model.Notification) Event {
	ev := Event{Table: TableNotifications, Op: op, New: encodeNotification(n)}
	if old != nil {
		ev.Old = encodeNotification(*old)
	}
	return ev
}

func encodeNotification(n model.Notification) json.RawMessage {
	gc := n.GroupCount
	r := notificationRow{
		ID:         n.ID,
		UserID:     n.UserID,
		Type:       n.Type,
		Title:      n.Title,
		Content:    &n.Content,
		IsRead:     n.IsRead,
		GroupCount: &gc,
		CreatedAt:  n.CreatedAt,
	}
	if n.Link != "" {
		r.Link = &n.Link
	}
	if n.JobID != "" {
		r.JobID = &n.JobID
	}
	row, _ := json.Marshal(r)
	return row
}
