// Package session — контекст авторизованного пользователя: список диалогов, открытый диалог,
// бейдж уведомлений. Создаётся при входе (Start) и разбирается при выходе (Close).
//
// Всё состояние принадлежит одной горутине-циклу. Чтение и запись в хранилище выполняются
// в рабочих горутинах, результат возвращается в цикл замыканием через канал results.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/buhmarket/internal/changefeed"
	"github.com/buhmarket/internal/chat"
	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/notify"
	"github.com/buhmarket/internal/storage"
)

var (
	ErrClosed        = errors.New("session closed")
	ErrNotStarted    = errors.New("session not started")
	ErrDuplicateSend = errors.New("message is already being sent")
	ErrForbidden     = errors.New("conversation is not available")
)

const (
	DefaultSendKeyTTL = 30 * time.Second
	defaultIOTimeout  = 10 * time.Second
	updatesBuffer     = 64
)

// ChatNotifier создаёт уведомление второй стороне о новом сообщении (notify.Emitter).
type ChatNotifier interface {
	ChatMessage(ctx context.Context, job *model.Job, m model.Message) error
}

// Deps — внешние зависимости сессии. Guard и Notifier необязательны.
type Deps struct {
	Messages      chat.MessageStore
	Jobs          chat.JobStore
	Notifications notify.Store
	Feed          changefeed.Feed
	Guard         storage.SendGuard
	Notifier      ChatNotifier
	NotifyOptions notify.Options
	HistoryLimit  int
	SendKeyTTL    time.Duration
	IOTimeout     time.Duration
}

type pendingSend struct {
	key     string
	jobID   string
	content string
	at      time.Time
	prev    model.Conversation
	hadPrev bool
}

type Session struct {
	deps   Deps
	userID string
	notify *notify.Service

	actions chan func()
	results chan func()
	updates chan Update

	ctx     context.Context
	cancel  context.CancelFunc
	started chan struct{}
	done    chan struct{}
	workers sync.WaitGroup
	once    sync.Once
	startMu sync.Mutex
	running bool

	// далее — только из цикла
	thread      *chat.Thread
	list        *chat.ConversationList
	reads       *chat.ReadTracker
	openJob     *model.Job
	threadReady bool
	threadSub   *changefeed.Subscription
	globalSub   *changefeed.Subscription
	historySeq  uint64
	listSeq     uint64
	sends       map[string]pendingSend // tempID -> отправка
	sendKeys    map[string]string      // clientKey -> tempID
}

func New(deps Deps, userID string) *Session {
	if deps.SendKeyTTL <= 0 {
		deps.SendKeyTTL = DefaultSendKeyTTL
	}
	if deps.IOTimeout <= 0 {
		deps.IOTimeout = defaultIOTimeout
	}
	if deps.HistoryLimit <= 0 || deps.HistoryLimit > chat.DefaultHistoryLimit {
		deps.HistoryLimit = chat.DefaultHistoryLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	thread := chat.NewThread(userID)
	list := chat.NewConversationList(userID)
	return &Session{
		deps:     deps,
		userID:   userID,
		notify:   notify.NewService(deps.Notifications, deps.Feed, deps.NotifyOptions),
		actions:  make(chan func()),
		results:  make(chan func(), 16),
		updates:  make(chan Update, updatesBuffer),
		ctx:      ctx,
		cancel:   cancel,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		thread:   thread,
		list:     list,
		reads:    chat.NewReadTracker(userID, deps.Messages, list, thread),
		sends:    make(map[string]pendingSend),
		sendKeys: make(map[string]string),
	}
}

func (s *Session) UserID() string { return s.userID }

// Updates — поток изменений для UI; закрывается после Close.
func (s *Session) Updates() <-chan Update { return s.updates }

// Start подписывается на сообщения, запускает сервис уведомлений и цикл, затем загружает список диалогов.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.running {
		return nil
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	sub, err := s.deps.Feed.Subscribe(s.ctx, changefeed.Filter{Table: changefeed.TableMessages})
	if err != nil {
		return err
	}
	if err := s.notify.Start(ctx, s.userID); err != nil {
		sub.Close()
		return err
	}
	s.globalSub = sub
	s.running = true
	close(s.started)
	go s.loop()
	s.post(func() { s.reloadList() })
	logger.Infof("session: started user=%s", s.userID)
	return nil
}

// Close снимает все подписки ровно один раз и дожидается рабочих горутин.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		s.startMu.Lock()
		running := s.running
		s.startMu.Unlock()
		if running {
			<-s.done
		}
		s.workers.Wait()
		s.notify.Stop()
		close(s.updates)
		logger.Infof("session: closed user=%s", s.userID)
	})
}

// post ставит замыкание в цикл (из самого цикла или из Start).
func (s *Session) post(fn func()) {
	go func() {
		select {
		case s.actions <- fn:
		case <-s.ctx.Done():
		}
	}()
}

// do выполняет fn в цикле и ждёт, пока она будет принята.
func (s *Session) do(ctx context.Context, fn func()) error {
	select {
	case <-s.started:
	default:
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return ErrNotStarted
	}
	select {
	case s.actions <- fn:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// io запускает чтение/запись вне цикла; возвращённое замыкание выполняется в цикле.
func (s *Session) io(op string, fn func(ctx context.Context) func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.deps.IOTimeout)
		defer cancel()
		defer logger.DeferLogDuration("session."+op, time.Now())()
		apply := fn(ctx)
		if apply == nil {
			return
		}
		select {
		case s.results <- apply:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.teardownSubs()
	notifyUpdates := s.notify.Updates()
	for {
		var threadC, globalC <-chan changefeed.Event
		if s.threadSub != nil {
			threadC = s.threadSub.C()
		}
		if s.globalSub != nil {
			globalC = s.globalSub.C()
		}
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.actions:
			fn()
		case fn := <-s.results:
			fn()
		case ev, ok := <-threadC:
			if !ok {
				s.onThreadSubEnded()
				continue
			}
			s.onThreadEvent(ev)
		case ev, ok := <-globalC:
			if !ok {
				s.onGlobalSubEnded()
				continue
			}
			s.onGlobalEvent(ev)
		case u := <-notifyUpdates:
			s.emit(Update{Kind: KindBadge, Count: u.Count})
			if u.Alert != nil {
				s.emit(Update{Kind: KindAlert, Alert: u.Alert, Count: u.Count})
			}
		}
	}
}

func (s *Session) teardownSubs() {
	if s.threadSub != nil {
		s.threadSub.Close()
		s.threadSub = nil
	}
	if s.globalSub != nil {
		s.globalSub.Close()
		s.globalSub = nil
	}
}

// emit блокируется, пока UI не примет обновление (или сессия не закроется).
func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	case <-s.ctx.Done():
	}
}

func (s *Session) emitConversations() {
	s.emit(Update{Kind: KindConversations, Conversations: s.list.Snapshot()})
}

func (s *Session) emitThread() {
	if s.thread.JobID() == "" {
		s.emit(Update{Kind: KindThread, Thread: &ThreadView{}})
		return
	}
	s.emit(Update{Kind: KindThread, Thread: &ThreadView{
		JobID:    s.thread.JobID(),
		Messages: s.thread.Messages(),
		Loading:  !s.threadReady,
	}})
}

func (s *Session) emitError(err error) {
	s.emit(Update{Kind: KindError, Err: err})
}
