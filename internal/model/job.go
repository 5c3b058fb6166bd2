package model

import "time"

type JobStatus string

const (
	JobStatusOpen       JobStatus = "open"
	JobStatusInReview   JobStatus = "in_review"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ChatActive — чат доступен только по заказам в работе.
func (s JobStatus) ChatActive() bool {
	return s == JobStatusInProgress
}

type Job struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Status         JobStatus `json:"status"`
	ClientID       string    `json:"client_id"`
	AccountantID   string    `json:"accountant_id"`
	ClientName     string    `json:"client_name"`
	AccountantName string    `json:"accountant_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Default display names when the counterpart has no profile name.
const (
	DefaultClientName     = "Заказчик"
	DefaultAccountantName = "Специалист"
)

// CounterpartID возвращает id второй стороны заказа для viewerID.
func (j *Job) CounterpartID(viewerID string) string {
	if j.ClientID == viewerID {
		return j.AccountantID
	}
	return j.ClientID
}

// OtherPartyName возвращает отображаемое имя второй стороны для viewerID.
func (j *Job) OtherPartyName(viewerID string) string {
	if j.ClientID == viewerID {
		if j.AccountantName != "" {
			return j.AccountantName
		}
		return DefaultAccountantName
	}
	if j.ClientName != "" {
		return j.ClientName
	}
	return DefaultClientName
}

// HasParticipant сообщает, является ли userID стороной заказа.
func (j *Job) HasParticipant(userID string) bool {
	return userID != "" && (j.ClientID == userID || j.AccountantID == userID)
}
