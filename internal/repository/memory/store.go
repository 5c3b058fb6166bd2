// Package memory — хранилище переписки и уведомлений в памяти процесса.
// Каждая запись публикуется в changefeed так же, как это делает триггер notify_row_change,
// поэтому пакет служит и для режима без БД, и для тестов с синтетическими событиями.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buhmarket/internal/changefeed"
	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/repository"
)

// Имена операций для Fail/Hold.
const (
	OpMessagesList        = "messages.list"
	OpMessagesInsert      = "messages.insert"
	OpMessagesLast        = "messages.last"
	OpMessagesCountUnread = "messages.count_unread"
	OpMessagesMarkRead    = "messages.mark_read"
	OpJobsActive          = "jobs.active"
	OpNotificationsCount  = "notifications.count"
	OpNotificationsMark   = "notifications.mark_read"
	OpNotificationsList   = "notifications.list"
	OpNotificationsCreate = "notifications.create"
)

// Publisher получает события изменения строк (changefeed.Broker).
type Publisher interface {
	Publish(ev changefeed.Event)
}

type Store struct {
	mu            sync.Mutex
	pub           Publisher
	now           func() time.Time
	profiles      map[string]model.Profile
	jobs          map[string]model.Job
	messages      []model.Message
	notifications []model.Notification
	faults        map[string][]error
	gates         map[string]chan struct{}
}

// New создаёт хранилище; pub может быть nil.
func New(pub Publisher) *Store {
	return &Store{
		pub:      pub,
		now:      func() time.Time { return time.Now().UTC() },
		profiles: make(map[string]model.Profile),
		jobs:     make(map[string]model.Job),
		faults:   make(map[string][]error),
		gates:    make(map[string]chan struct{}),
	}
}

// SetClock подменяет источник времени для created_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fail заставляет следующий вызов op вернуть err (ошибки ставятся в очередь).
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Hold задерживает следующий вызов op до вызова release (или отмены его контекста).
func (s *Store) Hold(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[op] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Armed сообщает, что Hold(op) ещё ждёт вызова op.
func (s *Store) Armed(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.gates[op]
	return ok
}

// enter проходит через Hold и возвращает запланированную ошибку op. Вызывается без s.mu.
func (s *Store) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	gate := s.gates[op]
	delete(s.gates, op)
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *Store) publish(ev changefeed.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}

// --- profiles / jobs ---

func (s *Store) PutProfile(p model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *Store) GetProfile(_ context.Context, id string) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// PutJob сохраняет заказ; имена сторон подставляются из профилей, если не заданы.
func (s *Store) PutJob(j model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	s.jobs[j.ID] = j
}

func (s *Store) withNames(j model.Job) model.Job {
	if j.ClientName == "" {
		j.ClientName = s.profiles[j.ClientID].FullName
	}
	if j.AccountantName == "" && j.AccountantID != "" {
		j.AccountantName = s.profiles[j.AccountantID].FullName
	}
	return j
}

func (s *Store) ActiveForUser(ctx context.Context, userID string) ([]model.Job, error) {
	if err := s.enter(ctx, OpJobsActive); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if j.Status.ChatActive() && j.HasParticipant(userID) {
			out = append(out, s.withNames(j))
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) GetByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	j = s.withNames(j)
	return &j, nil
}

// --- messages ---

func (s *Store) ListRecent(ctx context.Context, jobID string, limit int) ([]model.Message, error) {
	if err := s.enter(ctx, OpMessagesList); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.JobID == jobID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return slices.Clone(out), nil
}

// Insert сохраняет сообщение и публикует INSERT.
func (s *Store) Insert(ctx context.Context, m model.Message) (model.Message, error) {
	if err := s.enter(ctx, OpMessagesInsert); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(m), nil
}

// Seed сохраняет сообщение как есть (created_at и is_read из аргумента), с публикацией.
func (s *Store) Seed(m model.Message) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(m)
}

func (s *Store) insertLocked(m model.Message) model.Message {
	if m.ID == "" || m.IsTemp() {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.Sending = false
	if m.SenderName == "" {
		m.SenderName = s.profiles[m.SenderID].FullName
	}
	// строки упорядочены по created_at; равные — в порядке вставки
	pos := len(s.messages)
	for pos > 0 && s.messages[pos-1].CreatedAt.After(m.CreatedAt) {
		pos--
	}
	s.messages = slices.Insert(s.messages, pos, m)
	s.publish(changefeed.MessageEvent(changefeed.OpInsert, m))
	return m
}

func (s *Store) Last(ctx context.Context, jobID string) (*model.Message, error) {
	if err := s.enter(ctx, OpMessagesLast); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].JobID == jobID {
			m := s.messages[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *Store) CountUnread(ctx context.Context, jobID, viewerID string) (int, error) {
	if err := s.enter(ctx, OpMessagesCountUnread); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.JobID == jobID && m.SenderID != viewerID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkRead(ctx context.Context, jobID, viewerID string) (int64, error) {
	if err := s.enter(ctx, OpMessagesMarkRead); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.JobID == jobID && m.SenderID != viewerID && !m.IsRead {
			m.IsRead = true
			n++
			s.publish(changefeed.MessageEvent(changefeed.OpUpdate, *m))
		}
	}
	return n, nil
}

// Messages возвращает все сообщения заказа.
func (s *Store) Messages(jobID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.JobID == jobID {
			out = append(out, m)
		}
	}
	return out
}

// --- notifications ---

// Notifications — таблица notifications того же хранилища (notify.Store, notify.Writer).
type Notifications struct{ s *Store }

func (s *Store) Notifications() *Notifications { return &Notifications{s: s} }

func (n *Notifications) CountUnread(ctx context.Context, userID string, exclude []model.NotificationType) (int, error) {
	s := n.s
	if err := s.enter(ctx, OpNotificationsCount); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := 0
	for _, x := range s.notifications {
		if x.UserID == userID && !x.IsRead && !slices.Contains(exclude, x.Type) {
			c++
		}
	}
	return c, nil
}

func (n *Notifications) MarkAllRead(ctx context.Context, userID string, types []model.NotificationType) (int64, error) {
	s := n.s
	if err := s.enter(ctx, OpNotificationsMark); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(func(x *model.Notification) bool {
		return x.UserID == userID && (len(types) == 0 || slices.Contains(types, x.Type))
	}), nil
}

func (n *Notifications) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	s := n.s
	if err := s.enter(ctx, OpNotificationsMark); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(func(x *model.Notification) bool {
		return x.UserID == userID && slices.Contains(ids, x.ID)
	}), nil
}

func (s *Store) markLocked(match func(*model.Notification) bool) int64 {
	var c int64
	for i := range s.notifications {
		x := &s.notifications[i]
		if x.IsRead || !match(x) {
			continue
		}
		old := *x
		x.IsRead = true
		c++
		s.publish(changefeed.NotificationEvent(changefeed.OpUpdate, *x, &old))
	}
	return c
}

func (n *Notifications) List(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	s := n.s
	if err := s.enter(ctx, OpNotificationsList); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID == userID {
			out = append(out, s.notifications[i])
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Create вставляет уведомление и публикует INSERT.
func (n *Notifications) Create(ctx context.Context, x model.Notification) (model.Notification, error) {
	s := n.s
	if err := s.enter(ctx, OpNotificationsCreate); err != nil {
		return model.Notification{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(x), nil
}

func (s *Store) createLocked(x model.Notification) model.Notification {
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	if x.CreatedAt.IsZero() {
		x.CreatedAt = s.now()
	}
	if x.GroupCount <= 0 {
		x.GroupCount = 1
	}
	s.notifications = append(s.notifications, x)
	s.publish(changefeed.NotificationEvent(changefeed.OpInsert, x, nil))
	return x
}

// UpsertChatNotification — одна непрочитанная chat_message на получателя и заказ.
func (n *Notifications) UpsertChatNotification(ctx context.Context, x model.Notification) (model.Notification, bool, error) {
	s := n.s
	if err := s.enter(ctx, OpNotificationsCreate); err != nil {
		return model.Notification{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		cur := &s.notifications[i]
		if cur.UserID == x.UserID && cur.JobID == x.JobID && cur.Type == model.NotificationChatMessage && !cur.IsRead {
			old := *cur
			cur.GroupCount++
			cur.Content = x.Content
			cur.CreatedAt = s.now()
			s.publish(changefeed.NotificationEvent(changefeed.OpUpdate, *cur, &old))
			return *cur, false, nil
		}
	}
	x.Type = model.NotificationChatMessage
	return s.createLocked(x), true, nil
}

// Emit публикует событие напрямую (повтор доставки, синтетический UPDATE в тестах).
func (s *Store) Emit(ev changefeed.Event) {
	s.publish(ev)
}
