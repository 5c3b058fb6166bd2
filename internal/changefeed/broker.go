package changefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/buhmarket/internal/logger"
)

var (
	// ErrLagged — подписчик не успевал читать, буфер переполнился и подписка закрыта.
	ErrLagged = errors.New("changefeed: subscriber lagged")
	// ErrClosed — подписка или брокер закрыты.
	ErrClosed = errors.New("changefeed: closed")
)

const defaultSubBuffer = 256

// Feed — примитив подписки на изменения строк.
type Feed interface {
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}

// Broker раздаёт опубликованные события подходящим подпискам внутри процесса.
// Порядок доставки в рамках одной подписки совпадает с порядком публикации.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buf    int
	closed bool
}

// NewBroker создаёт брокер; bufSize <= 0 — буфер по умолчанию.
func NewBroker(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = defaultSubBuffer
	}
	return &Broker{subs: make(map[uint64]*Subscription), buf: bufSize}
}

// Subscribe регистрирует подписку. Отмена ctx закрывает её.
func (b *Broker) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if f.Table == "" {
		return nil, errors.New("changefeed.Subscribe: table required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	s := &Subscription{
		id:     b.nextID,
		filter: f,
		ch:     make(chan Event, b.buf),
		broker: b,
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	s.stop = context.AfterFunc(ctx, func() { b.remove(s) })
	return s, nil
}

// Publish доставляет событие всем подходящим подпискам без блокировки.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			logger.Errorf("changefeed: subscriber %s lagged, closing", s.filter)
			delete(b.subs, id)
			s.finish(ErrLagged)
		}
	}
}

// Resync рассылает OpResync всем подпискам на table (пустая table — всем).
func (b *Broker) Resync(table string) {
	b.mu.Lock()
	tables := make(map[string]struct{}, 4)
	for _, s := range b.subs {
		if table == "" || s.filter.Table == table {
			tables[s.filter.Table] = struct{}{}
		}
	}
	b.mu.Unlock()
	for t := range tables {
		b.Publish(Event{Table: t, Op: OpResync})
	}
}

// Close закрывает все подписки; последующие Subscribe возвращают ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.finish(ErrClosed)
	}
}

// Len возвращает число активных подписок.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(s *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return false
	}
	delete(b.subs, s.id)
	s.finish(ErrClosed)
	return true
}

// Subscription — поток событий одной подписки.
// Lifecycle: Subscribe -> C() ... -> Close (или закрытие брокером с Err()).
type Subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	broker *Broker
	stop   func() bool

	once sync.Once
	err  error
}

// C возвращает канал событий; он закрывается при завершении подписки.
func (s *Subscription) C() <-chan Event { return s.ch }

// Filter возвращает фильтр подписки.
func (s *Subscription) Filter() Filter { return s.filter }

// Err возвращает причину завершения (nil, пока подписка активна).
// Безопасно читать после закрытия канала C().
func (s *Subscription) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

// Close снимает подписку. Повторные вызовы безопасны.
func (s *Subscription) Close() {
	if s.stop != nil {
		s.stop()
	}
	s.broker.remove(s)
}

// finish вызывается под broker.mu.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}
