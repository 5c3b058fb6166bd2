package notify

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
)

// Writer создаёт записи уведомлений (repository.NotificationRepository, memory.Store).
type Writer interface {
	Create(ctx context.Context, n model.Notification) (model.Notification, error)
	UpsertChatNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error)
}

// Presence сообщает, есть ли у пользователя живое WebSocket-соединение.
type Presence interface {
	Online(userID string) bool
}

// Pusher доставляет Web Push (push.Client).
type Pusher interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

const (
	chatTitle       = "Новое сообщение"
	invitationTitle = "Новое приглашение в проект! ✉️"
	invitationBody  = "Заказчик пригласил вас ознакомиться с проектом и подать отклик."
	previewRunes    = 140
)

// Emitter пишет уведомления о событиях маркетплейса. Пользователям без открытой вкладки
// оповещение дублируется через Web Push.
type Emitter struct {
	w        Writer
	presence Presence
	pusher   Pusher
}

// NewEmitter: presence и pusher могут быть nil — тогда Web Push не отправляется.
func NewEmitter(w Writer, presence Presence, pusher Pusher) *Emitter {
	return &Emitter{w: w, presence: presence, pusher: pusher}
}

// ChatMessage группирует уведомление о сообщении для второй стороны заказа.
func (e *Emitter) ChatMessage(ctx context.Context, job *model.Job, m model.Message) error {
	recipient := job.CounterpartID(m.SenderID)
	if recipient == "" {
		return nil
	}
	sender := m.SenderName
	if sender == "" {
		sender = job.OtherPartyName(recipient)
	}
	n, created, err := e.w.UpsertChatNotification(ctx, model.Notification{
		UserID:  recipient,
		Type:    model.NotificationChatMessage,
		Title:   chatTitle,
		Content: sender + ": " + preview(m.Content),
		Link:    ChatLink(job.ID),
		JobID:   job.ID,
	})
	if err != nil {
		return fmt.Errorf("notify.ChatMessage job=%s: %w", job.ID, err)
	}
	if created {
		e.pushOffline(ctx, n)
	}
	return nil
}

// JobInvitation приглашает специалиста откликнуться на заказ.
func (e *Emitter) JobInvitation(ctx context.Context, job *model.Job, specialistID string) (model.Notification, error) {
	n, err := e.w.Create(ctx, model.Notification{
		UserID:  specialistID,
		Type:    model.NotificationJobInvitation,
		Title:   invitationTitle,
		Content: invitationBody,
		Link:    "/jobs/" + job.ID,
		JobID:   job.ID,
	})
	if err != nil {
		return model.Notification{}, fmt.Errorf("notify.JobInvitation job=%s: %w", job.ID, err)
	}
	e.pushOffline(ctx, n)
	return n, nil
}

func (e *Emitter) pushOffline(ctx context.Context, n model.Notification) {
	if e.pusher == nil {
		return
	}
	if e.presence != nil && e.presence.Online(n.UserID) {
		return
	}
	logger.Debugf("notify: web push user=%s type=%s", n.UserID, n.Type)
	e.pusher.Notify(ctx, n.UserID, n.Title, n.Content, map[string]string{
		"notification_id": n.ID,
		"type":            string(n.Type),
		"link":            n.Link,
	})
}

// ChatLink — ссылка на диалог по заказу.
func ChatLink(jobID string) string {
	return "/dashboard/chat?job=" + jobID
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "…"
}
