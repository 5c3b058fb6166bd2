package model

import "time"

// Conversation — элемент списка диалогов: один на заказ (job) между заказчиком и исполнителем.
type Conversation struct {
	JobID          string    `json:"job_id"`
	Title          string    `json:"title"`
	Status         JobStatus `json:"status"`
	OtherPartyName string    `json:"other_party_name"`
	LastMessage    string    `json:"last_message"`
	LastMessageAt  time.Time `json:"last_message_at"`
	UnreadCount    int       `json:"unread_count"`
}
