package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/buhmarket/internal/model"
)

const (
	// DefaultHistoryLimit — сколько последних сообщений загружается при открытии диалога.
	DefaultHistoryLimit = 100
	// MaxContentRunes ограничивает длину сообщения (payload pg_notify не больше 8000 байт).
	MaxContentRunes = 2000
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrNoConversation = errors.New("no conversation is open")
	// ErrUnknownSend — нет отправки с таким временным id.
	ErrUnknownSend = errors.New("unknown pending send")
)

// SendError возвращается при неудачной записи: Draft — исходный текст для поля ввода.
type SendError struct {
	Draft string
	Err   error
}

func (e *SendError) Error() string { return "send failed: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Thread — журнал открытого диалога: загрузка истории, оптимистичная отправка и push-события.
// Не потокобезопасен: все вызовы идут из одного цикла сессии.
type Thread struct {
	viewerID string
	jobID    string
	log      []model.Entry
	// adopted: tempID -> id подтверждённой строки, пришедшей push'ем раньше ответа на запись.
	adopted map[string]string

	now   func() time.Time
	newID func() string
}

func NewThread(viewerID string) *Thread {
	return &Thread{
		viewerID: viewerID,
		adopted:  make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return model.TempIDPrefix + uuid.NewString() },
	}
}

// Open переключает журнал на jobID; пустой jobID закрывает диалог.
func (t *Thread) Open(jobID string) {
	if jobID == t.jobID {
		return
	}
	t.jobID = jobID
	t.log = nil
	clear(t.adopted)
}

func (t *Thread) JobID() string { return t.jobID }

// Entries возвращает копию журнала.
func (t *Thread) Entries() []model.Entry {
	return append([]model.Entry(nil), t.log...)
}

// Messages возвращает сообщения для отображения.
func (t *Thread) Messages() []model.Message {
	return Messages(t.log)
}

// LoadHistory загружает историю и заменяет журнал. Возвращает true, если среди загруженных
// есть непрочитанные сообщения второй стороны (нужно пометить диалог прочитанным).
func (t *Thread) LoadHistory(ctx context.Context, store MessageStore, jobID string, limit int) (bool, error) {
	msgs, err := FetchHistory(ctx, store, jobID, limit)
	if err != nil {
		return false, err
	}
	t.Open(jobID)
	return t.ReplaceHistory(jobID, msgs), nil
}

// FetchHistory — только чтение из хранилища, без изменения журнала (для рабочих горутин).
func FetchHistory(ctx context.Context, store MessageStore, jobID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	msgs, err := store.ListRecent(ctx, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat.FetchHistory job=%s: %w", jobID, err)
	}
	return msgs, nil
}

// ReplaceHistory применяет загруженную историю к журналу jobID. Записи, появившиеся, пока шла
// загрузка (отправки в полёте, push'и новее выборки), сохраняются. hasUnread учитывает и те,
// и другие. Для другого jobID — no-op.
func (t *Thread) ReplaceHistory(jobID string, msgs []model.Message) (hasUnread bool) {
	if jobID != t.jobID {
		return false
	}
	next := make([]model.Entry, 0, len(msgs)+len(t.log))
	for _, m := range msgs {
		next = Insert(next, model.Confirmed(m))
		if m.SenderID != t.viewerID && !m.IsRead {
			hasUnread = true
		}
	}
	for _, e := range t.log {
		next = Insert(next, e)
		// push второй стороны, пришедший во время загрузки, тоже требует отметки прочтения
		if e.Message.SenderID != t.viewerID && !e.Message.IsRead {
			hasUnread = true
		}
	}
	t.log = next
	return hasUnread
}

// BeginSend проверяет текст и добавляет Pending-запись с sending=true.
func (t *Thread) BeginSend(content string) (model.Entry, error) {
	if t.jobID == "" {
		return model.Entry{}, ErrNoConversation
	}
	content, err := ValidateContent(content)
	if err != nil {
		return model.Entry{}, err
	}
	e := model.Pending(t.newID(), model.Message{
		JobID:     t.jobID,
		SenderID:  t.viewerID,
		Content:   content,
		CreatedAt: t.now(),
	})
	t.log = Insert(t.log, e)
	return e, nil
}

// ConfirmSend заменяет Pending-запись подтверждённой строкой (сопоставление по tempID, не по тексту).
func (t *Thread) ConfirmSend(tempID string, m model.Message) {
	defer delete(t.adopted, tempID)
	if m.JobID != t.jobID {
		return
	}
	if _, ok := t.adopted[tempID]; ok && IndexOf(t.log, tempID) < 0 {
		// Pending уже заменён push'ем; строка m либо уже в журнале, либо принадлежит другой отправке.
		t.log = Insert(t.log, model.Confirmed(m))
		t.dropPendingFor(m)
		return
	}
	t.log = Reconcile(t.log, tempID, m)
}

// FailSend удаляет Pending-запись и возвращает исходный текст.
func (t *Thread) FailSend(tempID string) (string, error) {
	if confirmedID, ok := t.adopted[tempID]; ok {
		delete(t.adopted, tempID)
		// push с тем же текстом занял эту запись по ошибке: строка confirmedID — чужая отправка,
		// её Pending ещё в журнале и больше не нужен.
		i := IndexOf(t.log, confirmedID)
		if i < 0 {
			return "", ErrUnknownSend
		}
		draft := t.log[i].Message.Content
		t.dropPendingFor(t.log[i].Message)
		return draft, nil
	}
	out, removed, ok := Drop(t.log, tempID)
	if !ok || removed.State != model.EntryPending {
		return "", ErrUnknownSend
	}
	t.log = out
	return removed.Message.Content, nil
}

// Send — синхронная отправка: Pending, запись в хранилище, затем подтверждение или откат.
// При ошибке журнал возвращается в исходное состояние, а ошибка — *SendError с текстом.
func (t *Thread) Send(ctx context.Context, store MessageStore, content string) (model.Message, error) {
	e, err := t.BeginSend(content)
	if err != nil {
		return model.Message{}, err
	}
	saved, err := store.Insert(ctx, DraftFrom(e))
	if err != nil {
		draft, _ := t.FailSend(e.TempID)
		if draft == "" {
			draft = e.Message.Content
		}
		return model.Message{}, &SendError{Draft: draft, Err: err}
	}
	t.ConfirmSend(e.TempID, saved)
	return saved, nil
}

// ApplyPush применяет INSERT-событие. Возвращает true, если журнал изменился.
func (t *Thread) ApplyPush(m model.Message) bool {
	if m.JobID == "" || m.JobID != t.jobID {
		return false
	}
	if IndexOf(t.log, m.ID) >= 0 {
		return false
	}
	if m.SenderID == t.viewerID {
		for _, e := range t.log {
			if e.State == model.EntryPending && e.Message.Content == m.Content {
				t.adopted[e.TempID] = m.ID
				t.log = Reconcile(t.log, e.TempID, m)
				return true
			}
		}
	}
	t.log = Insert(t.log, model.Confirmed(m))
	return true
}

// MarkLocalRead проставляет is_read сообщениям второй стороны после успешной пометки в хранилище.
func (t *Thread) MarkLocalRead(jobID string) {
	if jobID != t.jobID {
		return
	}
	for i := range t.log {
		if t.log[i].Message.SenderID != t.viewerID {
			t.log[i].Message.IsRead = true
		}
	}
}

// Pending возвращает число отправок в полёте.
func (t *Thread) Pending() int {
	n := 0
	for _, e := range t.log {
		if e.State == model.EntryPending {
			n++
		}
	}
	return n
}

func (t *Thread) dropPendingFor(m model.Message) {
	for _, e := range t.log {
		if e.State == model.EntryPending && e.Message.SenderID == m.SenderID && e.Message.Content == m.Content {
			t.log, _, _ = Drop(t.log, e.TempID)
			t.adopted[e.TempID] = m.ID
			return
		}
	}
}

// ValidateContent обрезает пробелы и проверяет длину.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", ErrMessageTooLong
	}
	return content, nil
}

// DraftFrom строит строку для записи по Pending-записи: без временного id и флага sending.
func DraftFrom(e model.Entry) model.Message {
	m := e.Message
	m.ID = ""
	m.Sending = false
	return m
}
