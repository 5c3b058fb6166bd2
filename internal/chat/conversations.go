package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buhmarket/internal/dedup"
	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
)

const (
	metaFetchConcurrency = 8
	seenMessagesCap      = 512
)

// ConversationList — список активных диалогов пользователя, всегда отсортирован по
// LastMessageAt по убыванию. Не потокобезопасен (владелец — цикл сессии).
type ConversationList struct {
	viewerID string
	openID   string
	items    []model.Conversation
	seen     *dedup.Ring
}

func NewConversationList(viewerID string) *ConversationList {
	return &ConversationList{viewerID: viewerID, seen: dedup.NewRing(seenMessagesCap)}
}

// Initialize загружает диалоги и заменяет список.
func (l *ConversationList) Initialize(ctx context.Context, jobs JobStore, msgs MessageStore) error {
	items, err := LoadConversations(ctx, l.viewerID, jobs, msgs)
	if err != nil {
		return err
	}
	l.Replace(items)
	return nil
}

// LoadConversations читает заказы в работе и для каждого — последнее сообщение и число
// непрочитанных. Ошибка по одному заказу не мешает остальным: он попадает в список
// с тем, что удалось получить.
func LoadConversations(ctx context.Context, viewerID string, jobs JobStore, msgs MessageStore) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("chat.LoadConversations", time.Now())()
	list, err := jobs.ActiveForUser(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("chat.LoadConversations user=%s: %w", viewerID, err)
	}
	out := make([]model.Conversation, len(list))
	var g errgroup.Group
	g.SetLimit(metaFetchConcurrency)
	for i := range list {
		job := list[i]
		out[i] = model.Conversation{
			JobID:          job.ID,
			Title:          job.Title,
			Status:         job.Status,
			OtherPartyName: job.OtherPartyName(viewerID),
			LastMessageAt:  job.CreatedAt,
		}
		g.Go(func() error {
			c := &out[i]
			last, err := msgs.Last(ctx, job.ID)
			if err != nil {
				logger.Errorf("chat: last message job=%s: %v", job.ID, err)
			} else if last != nil {
				c.LastMessage = last.Content
				c.LastMessageAt = last.CreatedAt
			}
			n, err := msgs.CountUnread(ctx, job.ID, viewerID)
			if err != nil {
				logger.Errorf("chat: unread count job=%s: %v", job.ID, err)
				return nil
			}
			c.UnreadCount = n
			return nil
		})
	}
	_ = g.Wait()
	SortConversations(out)
	return out, nil
}

// Replace подменяет список целиком (после загрузки или пересинхронизации).
// Открытый диалог остаётся с нулём непрочитанных.
func (l *ConversationList) Replace(items []model.Conversation) {
	l.items = append([]model.Conversation(nil), items...)
	if i := l.index(l.openID); i >= 0 {
		l.items[i].UnreadCount = 0
	}
	SortConversations(l.items)
}

// SetOpen отмечает диалог, который сейчас открыт ("" — ни один).
func (l *ConversationList) SetOpen(jobID string) { l.openID = jobID }

func (l *ConversationList) OpenID() string { return l.openID }

// OnMessageInserted — событие из подписки открытого диалога.
// Непрочитанные растут только для чужих сообщений в неоткрытом диалоге; открытый держится на нуле.
func (l *ConversationList) OnMessageInserted(m model.Message) bool {
	if !l.seen.Add(m.ID) {
		return false
	}
	i := l.index(m.JobID)
	if i < 0 {
		return false
	}
	c := &l.items[i]
	c.LastMessage = m.Content
	c.LastMessageAt = m.CreatedAt
	switch {
	case m.JobID == l.openID:
		c.UnreadCount = 0
	case m.SenderID != l.viewerID:
		c.UnreadCount++
	}
	SortConversations(l.items)
	return true
}

// OnMessageInsertedGlobal — событие из общей подписки: обновляет только неоткрытые диалоги.
func (l *ConversationList) OnMessageInsertedGlobal(m model.Message) bool {
	if m.JobID == l.openID {
		return false
	}
	return l.OnMessageInserted(m)
}

// NoteLocalSend обновляет превью при оптимистичной отправке.
func (l *ConversationList) NoteLocalSend(jobID, content string, at time.Time) bool {
	i := l.index(jobID)
	if i < 0 {
		return false
	}
	l.items[i].LastMessage = content
	l.items[i].LastMessageAt = at
	SortConversations(l.items)
	return true
}

// RevertLocalSend возвращает превью prev, если после NoteLocalSend(jobID, content, at)
// в диалоге ничего не менялось.
func (l *ConversationList) RevertLocalSend(jobID, content string, at time.Time, prev model.Conversation) bool {
	i := l.index(jobID)
	if i < 0 {
		return false
	}
	c := &l.items[i]
	if c.LastMessage != content || !c.LastMessageAt.Equal(at) {
		return false
	}
	c.LastMessage = prev.LastMessage
	c.LastMessageAt = prev.LastMessageAt
	SortConversations(l.items)
	return true
}

// ZeroUnread обнуляет счётчик диалога после пометки прочитанным.
func (l *ConversationList) ZeroUnread(jobID string) bool {
	i := l.index(jobID)
	if i < 0 || l.items[i].UnreadCount == 0 {
		return false
	}
	l.items[i].UnreadCount = 0
	return true
}

// Snapshot возвращает копию списка.
func (l *ConversationList) Snapshot() []model.Conversation {
	return append([]model.Conversation(nil), l.items...)
}

func (l *ConversationList) Get(jobID string) (model.Conversation, bool) {
	i := l.index(jobID)
	if i < 0 {
		return model.Conversation{}, false
	}
	return l.items[i], true
}

// TotalUnread — сумма непрочитанных по всем диалогам (бейдж чатов).
func (l *ConversationList) TotalUnread() int {
	n := 0
	for _, c := range l.items {
		n += c.UnreadCount
	}
	return n
}

func (l *ConversationList) Len() int { return len(l.items) }

func (l *ConversationList) index(jobID string) int {
	if jobID == "" {
		return -1
	}
	for i := range l.items {
		if l.items[i].JobID == jobID {
			return i
		}
	}
	return -1
}

// SortConversations сортирует по LastMessageAt по убыванию, стабильно.
func SortConversations(items []model.Conversation) {
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].LastMessageAt.After(items[b].LastMessageAt)
	})
}
