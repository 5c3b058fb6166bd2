package model

import "time"

type NotificationType string

const (
	NotificationChatMessage   NotificationType = "chat_message"
	NotificationNewBid        NotificationType = "new_bid"
	NotificationJobAssigned   NotificationType = "job_assigned"
	NotificationJobAccepted   NotificationType = "job_accepted"
	NotificationJobInvitation NotificationType = "job_invitation"
	NotificationBilling       NotificationType = "billing"
	NotificationSystem        NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationChatMessage, NotificationNewBid, NotificationJobAssigned, NotificationJobAccepted,
		NotificationJobInvitation, NotificationBilling, NotificationSystem:
		return true
	}
	return false
}

type Notification struct {
	ID      string           `json:"id"`
	UserID  string           `json:"user_id"`
	Type    NotificationType `json:"type"`
	Title   string           `json:"title"`
	Content string           `json:"content"`
	Link    string           `json:"link,omitempty"`
	JobID   string           `json:"job_id,omitempty"`
	IsRead  bool             `json:"is_read"`
	// GroupCount — сколько событий объединено в одной записи (минимум 1).
	GroupCount int       `json:"group_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Alert — всплывающее уведомление (toast) с переходом по ссылке.
type Alert struct {
	NotificationID string           `json:"notification_id"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Body           string           `json:"body"`
	Link           string           `json:"link,omitempty"`
	ActionLabel    string           `json:"action_label"`
}

// AlertActionLabel — подпись кнопки перехода в toast.
const AlertActionLabel = "Открыть"

// ToAlert строит toast по уведомлению.
func (n *Notification) ToAlert() Alert {
	return Alert{
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Body:           n.Content,
		Link:           n.Link,
		ActionLabel:    AlertActionLabel,
	}
}
