// Package notify — живой счётчик непрочитанных уведомлений и всплывающие оповещения
// на время сессии пользователя.
//
// Состояния: Uninitialized -> (Start) -> Subscribed -> (Stop) -> Uninitialized.
// Локальный счётчик — кеш: после каждого оптимистичного изменения планируется
// авторитетный пересчёт FetchCount, поэтому значение всегда сходится к хранилищу.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/buhmarket/internal/changefeed"
	"github.com/buhmarket/internal/dedup"
	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
)

type State int

const (
	StateUninitialized State = iota
	StateSubscribed
)

func (s State) String() string {
	if s == StateSubscribed {
		return "subscribed"
	}
	return "uninitialized"
}

var ErrNotStarted = errors.New("notify: service not started")

const (
	DefaultReconcileDelay = 750 * time.Millisecond
	defaultSeenCap        = 1024
	updatesBuffer         = 64
	resubscribeDelay      = time.Second
)

type Options struct {
	// ReconcileDelay — задержка пересчёта после push; события внутри окна объединяются.
	ReconcileDelay time.Duration
	// CountChat — учитывать chat_message в бейдже (по умолчанию у чатов свой счётчик).
	CountChat bool
}

// Excluded — типы, не входящие в бейдж.
func (o Options) Excluded() []model.NotificationType {
	if o.CountChat {
		return nil
	}
	return []model.NotificationType{model.NotificationChatMessage}
}

// Update — изменение бейджа или новое оповещение для UI.
type Update struct {
	Count int          `json:"count"`
	Alert *model.Alert `json:"alert,omitempty"`
}

type Service struct {
	store Store
	feed  changefeed.Feed
	opts  Options

	mu       sync.Mutex
	state    State
	userID   string
	count    int
	gen      uint64 // поколение сессии: ответы прошлых сессий отбрасываются
	fetchSeq uint64
	applied  uint64
	seen     *dedup.Ring
	timer    *time.Timer
	cancel   context.CancelFunc
	done     chan struct{}

	updates chan Update
}

func NewService(store Store, feed changefeed.Feed, opts Options) *Service {
	if opts.ReconcileDelay <= 0 {
		opts.ReconcileDelay = DefaultReconcileDelay
	}
	return &Service{
		store:   store,
		feed:    feed,
		opts:    opts,
		seen:    dedup.NewRing(defaultSeenCap),
		updates: make(chan Update, updatesBuffer),
	}
}

// Updates — поток изменений бейджа и оповещений. Канал не закрывается.
func (s *Service) Updates() <-chan Update { return s.updates }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Count возвращает текущее (кешированное) значение бейджа.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Service) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Start подписывается на уведомления userID и загружает счётчик.
// Повторный Start для того же пользователя — no-op; для другого — сначала Stop.
func (s *Service) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("notify.Start: user id required")
	}
	s.mu.Lock()
	if s.state == StateSubscribed {
		same := s.userID == userID
		s.mu.Unlock()
		if same {
			return nil
		}
		s.Stop()
		s.mu.Lock()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sub, err := s.subscribe(runCtx, userID)
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("notify.Start: %w", err)
	}
	s.gen++
	s.state = StateSubscribed
	s.userID = userID
	s.count = 0
	s.seen.Reset()
	s.cancel = cancel
	s.done = make(chan struct{})
	gen, done := s.gen, s.done
	s.mu.Unlock()

	go s.run(runCtx, gen, userID, sub, done)

	if _, err := s.FetchCount(ctx); err != nil {
		logger.Errorf("notify: initial count user=%s: %v", userID, err)
	}
	return nil
}

// Stop снимает подписку и сбрасывает счётчик. Безопасно вызывать многократно.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return
	}
	s.state = StateUninitialized
	s.userID = ""
	s.count = 0
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	s.emit(Update{Count: 0})
}

// FetchCount — авторитетный пересчёт из хранилища; единственный источник истины.
func (s *Service) FetchCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return 0, ErrNotStarted
	}
	userID, gen := s.userID, s.gen
	s.fetchSeq++
	seq := s.fetchSeq
	s.mu.Unlock()

	n, err := s.store.CountUnread(ctx, userID, s.excluded())
	if err != nil {
		return 0, fmt.Errorf("notify.FetchCount user=%s: %w", userID, err)
	}

	s.mu.Lock()
	// Ответ устаревшего запроса не должен затирать более свежий.
	if gen != s.gen || seq < s.applied {
		s.mu.Unlock()
		return n, nil
	}
	s.applied = seq
	changed := s.count != n
	s.count = n
	s.mu.Unlock()
	if changed {
		s.emit(Update{Count: n})
	}
	return n, nil
}

// MarkAllRead помечает прочитанными все (или только types) уведомления и пересчитывает бейдж.
func (s *Service) MarkAllRead(ctx context.Context, types ...model.NotificationType) error {
	userID := s.UserID()
	if userID == "" {
		return ErrNotStarted
	}
	if _, err := s.store.MarkAllRead(ctx, userID, types); err != nil {
		return fmt.Errorf("notify.MarkAllRead user=%s: %w", userID, err)
	}
	if s.coversBadge(types) {
		s.setCount(0)
	}
	_, err := s.FetchCount(ctx)
	return err
}

// MarkRead помечает прочитанными конкретные уведомления (страница уведомлений).
func (s *Service) MarkRead(ctx context.Context, ids ...string) error {
	userID := s.UserID()
	if userID == "" {
		return ErrNotStarted
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.store.MarkRead(ctx, userID, ids); err != nil {
		return fmt.Errorf("notify.MarkRead user=%s: %w", userID, err)
	}
	_, err := s.FetchCount(ctx)
	return err
}

// List возвращает последние уведомления пользователя (новые первыми).
func (s *Service) List(ctx context.Context, limit int) ([]model.Notification, error) {
	userID := s.UserID()
	if userID == "" {
		return nil, ErrNotStarted
	}
	return s.store.List(ctx, userID, limit)
}

func (s *Service) subscribe(ctx context.Context, userID string) (*changefeed.Subscription, error) {
	return s.feed.Subscribe(ctx, changefeed.Filter{
		Table:  changefeed.TableNotifications,
		Column: "user_id",
		Value:  userID,
	})
}

func (s *Service) run(ctx context.Context, gen uint64, userID string, sub *changefeed.Subscription, done chan struct{}) {
	defer close(done)
	defer func() { sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if ok {
				s.handle(ctx, gen, userID, ev)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("notify: subscription user=%s ended: %v, resubscribing", userID, sub.Err())
			next, err := s.resubscribe(ctx, userID)
			if err != nil {
				return
			}
			sub = next
			s.scheduleReconcile(gen, 0)
		}
	}
}

func (s *Service) resubscribe(ctx context.Context, userID string) (*changefeed.Subscription, error) {
	for {
		sub, err := s.subscribe(ctx, userID)
		if err == nil {
			return sub, nil
		}
		logger.Errorf("notify: resubscribe user=%s: %v", userID, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resubscribeDelay):
		}
	}
}

func (s *Service) handle(ctx context.Context, gen uint64, userID string, ev changefeed.Event) {
	switch ev.Op {
	case changefeed.OpResync:
		s.scheduleReconcile(gen, 0)
	case changefeed.OpUpdate:
		s.scheduleReconcile(gen, s.opts.ReconcileDelay)
	case changefeed.OpInsert:
		n, err := changefeed.DecodeNotification(ev.New)
		if err != nil {
			logger.Errorf("notify: %v", err)
			return
		}
		if n.UserID != userID {
			return
		}
		s.applyInsert(gen, n)
	}
}

func (s *Service) applyInsert(gen uint64, n model.Notification) {
	s.mu.Lock()
	if gen != s.gen || !s.seen.Add(n.ID) {
		s.mu.Unlock()
		return
	}
	if n.IsRead || !s.counted(n.Type) {
		s.mu.Unlock()
		return
	}
	s.count++
	count := s.count
	s.mu.Unlock()

	alert := n.ToAlert()
	s.emit(Update{Count: count, Alert: &alert})
	s.scheduleReconcile(gen, s.opts.ReconcileDelay)
}

// scheduleReconcile откладывает FetchCount; новые события переносят таймер.
func (s *Service) scheduleReconcile(gen uint64, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.FetchCount(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
			logger.Errorf("notify: reconcile: %v", err)
		}
	})
}

func (s *Service) setCount(n int) {
	s.mu.Lock()
	changed := s.count != n
	s.count = n
	s.mu.Unlock()
	if changed {
		s.emit(Update{Count: n})
	}
}

// emit не блокируется: при полном буфере вытесняется самое старое обновление,
// так что последнее значение счётчика всегда доходит до читателя.
func (s *Service) emit(u Update) {
	for range 2 {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case old := <-s.updates:
			if old.Alert != nil {
				logger.Errorf("notify: updates buffer full, dropped alert %s", old.Alert.NotificationID)
			}
		default:
		}
	}
	logger.Errorf("notify: updates buffer full, dropping update (count=%d)", u.Count)
}

func (s *Service) excluded() []model.NotificationType { return s.opts.Excluded() }

func (s *Service) counted(t model.NotificationType) bool {
	return s.opts.CountChat || t != model.NotificationChatMessage
}

// coversBadge — затрагивает ли фильтр все типы, входящие в бейдж.
func (s *Service) coversBadge(types []model.NotificationType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range AllTypes {
		if s.counted(t) && !slices.Contains(types, t) {
			return false
		}
	}
	return true
}

// AllTypes — известные типы уведомлений.
var AllTypes = []model.NotificationType{
	model.NotificationChatMessage,
	model.NotificationNewBid,
	model.NotificationJobAssigned,
	model.NotificationJobAccepted,
	model.NotificationJobInvitation,
	model.NotificationBilling,
	model.NotificationSystem,
}
