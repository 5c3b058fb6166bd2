package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhmarket/internal/changefeed"
	"github.com/buhmarket/internal/chat"
	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/notify"
	"github.com/buhmarket/internal/repository/memory"
	"github.com/buhmarket/internal/session"
	kvmemory "github.com/buhmarket/internal/storage/memory"
)

const (
	userA   = "userA"
	userB   = "userB"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// mutedFeed пропускает события в брокер, пока не выключен (имитация разрыва источника).
type mutedFeed struct {
	b     *changefeed.Broker
	muted atomic.Bool
}

func (m *mutedFeed) Publish(ev changefeed.Event) {
	if !m.muted.Load() {
		m.b.Publish(ev)
	}
}

type world struct {
	broker *changefeed.Broker
	feed   *mutedFeed
	store  *memory.Store
	guard  *kvmemory.Client
	now    time.Time
}

func newWorld(t *testing.T) *world {
	t.Helper()
	b := changefeed.NewBroker(0)
	feed := &mutedFeed{b: b}
	w := &world{broker: b, feed: feed, store: memory.New(feed), guard: kvmemory.New(), now: time.Now().UTC()}
	t.Cleanup(b.Close)

	s := w.store
	s.PutProfile(model.Profile{ID: userA, FullName: "Ольга Заказчик"})
	s.PutProfile(model.Profile{ID: userB, FullName: "Игорь Бухгалтер"})
	s.PutJob(model.Job{ID: "j1", Title: "Декларация 3-НДФЛ", Status: model.JobStatusInProgress,
		ClientID: userA, AccountantID: userB, CreatedAt: w.now.Add(-3 * time.Hour)})
	s.PutJob(model.Job{ID: "j2", Title: "Отчёт УСН", Status: model.JobStatusInProgress,
		ClientID: userA, AccountantID: userB, CreatedAt: w.now.Add(-4 * time.Hour)})
	s.PutJob(model.Job{ID: "j3", Title: "Бухучёт ООО", Status: model.JobStatusInProgress,
		ClientID: userA, AccountantID: userB, CreatedAt: w.now.Add(-5 * time.Hour)})
	s.PutJob(model.Job{ID: "j9", Title: "Чужой заказ", Status: model.JobStatusInProgress,
		ClientID: "someone", AccountantID: "else", CreatedAt: w.now.Add(-time.Hour)})

	s.Seed(model.Message{JobID: "j2", SenderID: userA, Content: "Жду отчёт", CreatedAt: w.now.Add(-time.Hour)})
	s.Seed(model.Message{JobID: "j3", SenderID: userB, Content: "Нужны выписки", CreatedAt: w.now.Add(-30 * time.Minute)})
	return w
}

type harness struct {
	t    *testing.T
	w    *world
	sess *session.Session

	mu      sync.Mutex
	updates []session.Update
	done    chan struct{}
}

func (w *world) open(t *testing.T, user string) *harness {
	t.Helper()
	return w.openWith(t, user, w.store)
}

// openWith открывает сессию с подменённым доступом к сообщениям.
func (w *world) openWith(t *testing.T, user string, msgs chat.MessageStore) *harness {
	t.Helper()
	notifs := w.store.Notifications()
	sess := session.New(session.Deps{
		Messages:      msgs,
		Jobs:          w.store,
		Notifications: notifs,
		Feed:          w.broker,
		Guard:         w.guard,
		Notifier:      notify.NewEmitter(notifs, nil, nil),
		NotifyOptions: notify.Options{ReconcileDelay: 20 * time.Millisecond},
	}, user)
	h := &harness{t: t, w: w, sess: sess, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		for u := range sess.Updates() {
			h.mu.Lock()
			h.updates = append(h.updates, u)
			h.mu.Unlock()
		}
	}()
	require.NoError(t, sess.Start(context.Background()))
	t.Cleanup(sess.Close)
	return h
}

func (h *harness) snapshot() []session.Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.Update(nil), h.updates...)
}

func (h *harness) latest(kind session.Kind) (session.Update, bool) {
	ups := h.snapshot()
	for i := len(ups) - 1; i >= 0; i-- {
		if ups[i].Kind == kind {
			return ups[i], true
		}
	}
	return session.Update{}, false
}

// waitThread ждёт, пока последний снимок журнала удовлетворит pred.
func (h *harness) waitThread(pred func(v *session.ThreadView) bool) *session.ThreadView {
	h.t.Helper()
	var got *session.ThreadView
	require.Eventually(h.t, func() bool {
		u, ok := h.latest(session.KindThread)
		if !ok {
			return false
		}
		got = u.Thread
		return pred(got)
	}, waitFor, tick)
	return got
}

func (h *harness) waitConversations(pred func([]model.Conversation) bool) []model.Conversation {
	h.t.Helper()
	var got []model.Conversation
	require.Eventually(h.t, func() bool {
		u, ok := h.latest(session.KindConversations)
		if !ok {
			return false
		}
		got = u.Conversations
		return pred(got)
	}, waitFor, tick)
	return got
}

// waitEvent ждёт любое обновление kind, удовлетворяющее pred.
func (h *harness) waitEvent(kind session.Kind, pred func(session.Update) bool) session.Update {
	h.t.Helper()
	var got session.Update
	require.Eventually(h.t, func() bool {
		for _, u := range h.snapshot() {
			if u.Kind == kind && pred(u) {
				got = u
				return true
			}
		}
		return false
	}, waitFor, tick)
	return got
}

func (h *harness) selectJob(jobID string) *session.ThreadView {
	h.t.Helper()
	require.NoError(h.t, h.sess.Select(context.Background(), jobID))
	return h.waitThread(func(v *session.ThreadView) bool { return v.JobID == jobID && !v.Loading })
}

func find(items []model.Conversation, jobID string) model.Conversation {
	for _, c := range items {
		if c.JobID == jobID {
			return c
		}
	}
	return model.Conversation{}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func sortedDesc(items []model.Conversation) bool {
	for i := 1; i < len(items); i++ {
		if items[i].LastMessageAt.After(items[i-1].LastMessageAt) {
			return false
		}
	}
	return true
}

func TestInitialListAndSelection(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)

	items := h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	assert.Equal(t, "j3", items[0].JobID)
	assert.Equal(t, 1, items[0].UnreadCount)
	assert.True(t, sortedDesc(items))

	v := h.selectJob("j3")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "Нужны выписки", v.Messages[0].Content)

	// открытие диалога помечает сообщения прочитанными
	h.waitConversations(func(c []model.Conversation) bool { return find(c, "j3").UnreadCount == 0 && len(c) == 3 })
	n, err := w.store.CountUnread(context.Background(), "j3", userA)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendShowsPendingThenConfirmed(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	v := h.selectJob("j1")
	require.Empty(t, v.Messages)

	release := w.store.Hold(memory.OpMessagesInsert)
	tempID, err := h.sess.Send(context.Background(), "Hello", "")
	require.NoError(t, err)

	pending := h.waitThread(func(v *session.ThreadView) bool { return len(v.Messages) == 1 })
	assert.Equal(t, tempID, pending.Messages[0].ID)
	assert.Equal(t, userA, pending.Messages[0].SenderID)
	assert.Equal(t, "Hello", pending.Messages[0].Content)
	assert.True(t, pending.Messages[0].Sending)

	release()
	done := h.waitThread(func(v *session.ThreadView) bool {
		return len(v.Messages) == 1 && !v.Messages[0].Sending
	})
	assert.NotEqual(t, tempID, done.Messages[0].ID)
	assert.Equal(t, "Hello", done.Messages[0].Content)

	// push собственного сообщения не создаёт дубль
	time.Sleep(50 * time.Millisecond)
	final := h.waitThread(func(v *session.ThreadView) bool { return true })
	assert.Len(t, final.Messages, 1)
	assert.Len(t, w.store.Messages("j1"), 1)

	items := h.waitConversations(func(c []model.Conversation) bool { return find(c, "j1").LastMessage == "Hello" })
	assert.Equal(t, "j1", items[0].JobID)

	// вторая сторона получила уведомление о сообщении
	list, err := w.store.Notifications().List(context.Background(), userB, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.NotificationChatMessage, list[0].Type)
}

func TestCounterpartMessageInOpenConversationIsReadImmediately(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	h.selectJob("j2")

	pushed := w.store.Seed(model.Message{JobID: "j2", SenderID: userB, Content: "Отчёт готов"})

	v := h.waitThread(func(v *session.ThreadView) bool { return len(v.Messages) == 2 })
	assert.Equal(t, pushed.ID, v.Messages[1].ID, "appended at the tail")
	assert.Equal(t, "Игорь Бухгалтер", v.Messages[1].SenderName)

	require.Eventually(t, func() bool {
		n, err := w.store.CountUnread(context.Background(), "j2", userA)
		return err == nil && n == 0
	}, waitFor, tick)
	items := h.waitConversations(func(c []model.Conversation) bool { return find(c, "j2").LastMessage == "Отчёт готов" })
	assert.Zero(t, find(items, "j2").UnreadCount)
}

// lateWriteStore вставляет сообщение второй стороны сразу после чтения истории jobID:
// выборка его уже не содержит, а событие приходит по подписке.
type lateWriteStore struct {
	*memory.Store
	jobID string
	late  model.Message
	once  sync.Once
}

func (l *lateWriteStore) ListRecent(ctx context.Context, jobID string, limit int) ([]model.Message, error) {
	msgs, err := l.Store.ListRecent(ctx, jobID, limit)
	if jobID == l.jobID {
		l.once.Do(func() { l.Seed(l.late) })
	}
	return msgs, err
}

func TestMessageArrivingDuringHistoryLoadIsMarkedRead(t *testing.T) {
	w := newWorld(t)
	msgs := &lateWriteStore{
		Store: w.store,
		jobID: "j1",
		late:  model.Message{JobID: "j1", SenderID: userB, Content: "Пишу, пока вы открываете"},
	}
	h := w.openWith(t, userA, msgs)
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })

	require.NoError(t, h.sess.Select(context.Background(), "j1"))
	v := h.waitThread(func(v *session.ThreadView) bool {
		return v.JobID == "j1" && !v.Loading && len(v.Messages) == 1
	})
	assert.Equal(t, "Пишу, пока вы открываете", v.Messages[0].Content)

	require.Eventually(t, func() bool {
		n, err := w.store.CountUnread(context.Background(), "j1", userA)
		return err == nil && n == 0
	}, waitFor, tick)
	items := h.waitConversations(func(c []model.Conversation) bool {
		return find(c, "j1").LastMessage == "Пишу, пока вы открываете"
	})
	assert.Zero(t, find(items, "j1").UnreadCount)
}

func TestMessageInClosedConversationBumpsIt(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	h.selectJob("j1")

	w.store.Seed(model.Message{JobID: "j2", SenderID: userB, Content: "Есть вопрос"})

	items := h.waitConversations(func(c []model.Conversation) bool { return len(c) > 0 && c[0].JobID == "j2" })
	assert.Equal(t, "Есть вопрос", items[0].LastMessage)
	assert.Equal(t, 1, items[0].UnreadCount)
	assert.True(t, sortedDesc(items))

	// журнал открытого диалога не тронут
	v, _ := h.latest(session.KindThread)
	assert.Equal(t, "j1", v.Thread.JobID)
	assert.Empty(t, v.Thread.Messages)
}

func TestFailedSendRollsBackAndReturnsDraft(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	before := h.selectJob("j2")
	beforeList := h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })

	w.store.Fail(memory.OpMessagesInsert, errors.New("network is unreachable"))
	tempID, err := h.sess.Send(context.Background(), "Пришлите выписку", "")
	require.NoError(t, err)

	u := h.waitEvent(session.KindSendFailed, func(session.Update) bool { return true })
	require.NotNil(t, u.Failure)
	assert.Equal(t, tempID, u.Failure.TempID)
	assert.Equal(t, "Пришлите выписку", u.Failure.Draft)
	assert.Contains(t, u.Failure.Error, "network is unreachable")

	after := h.waitThread(func(v *session.ThreadView) bool { return true })
	assert.Equal(t, ids(before.Messages), ids(after.Messages))
	afterList := h.waitConversations(func([]model.Conversation) bool { return true })
	assert.Equal(t, find(beforeList, "j2").LastMessage, find(afterList, "j2").LastMessage)
	assert.Len(t, w.store.Messages("j2"), 1)
}

func TestDuplicateClientKeyIsRejected(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	h.selectJob("j1")

	release := w.store.Hold(memory.OpMessagesInsert)
	_, err := h.sess.Send(context.Background(), "Оплатил", "click-1")
	require.NoError(t, err)
	_, err = h.sess.Send(context.Background(), "Оплатил", "click-1")
	assert.ErrorIs(t, err, session.ErrDuplicateSend)
	release()

	h.waitThread(func(v *session.ThreadView) bool { return len(v.Messages) == 1 && !v.Messages[0].Sending })
	assert.Len(t, w.store.Messages("j1"), 1)
}

func TestSendKeyGuardAcrossTabs(t *testing.T) {
	w := newWorld(t)
	tab1 := w.open(t, userA)
	tab2 := w.open(t, userA)
	for _, h := range []*harness{tab1, tab2} {
		h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
		h.selectJob("j1")
	}

	release := w.store.Hold(memory.OpMessagesInsert)
	_, err := tab1.sess.Send(context.Background(), "Счёт оплачен", "key-42")
	require.NoError(t, err)
	// ключ зарезервирован, запись висит на Insert
	require.Eventually(t, func() bool { return !w.store.Armed(memory.OpMessagesInsert) }, waitFor, tick)

	_, err = tab2.sess.Send(context.Background(), "Счёт оплачен", "key-42")
	require.NoError(t, err)
	u := tab2.waitEvent(session.KindSendFailed, func(session.Update) bool { return true })
	assert.ErrorIs(t, u.Err, session.ErrDuplicateSend)
	assert.Empty(t, u.Failure.Draft)

	release()
	tab1.waitThread(func(v *session.ThreadView) bool { return len(v.Messages) == 1 && !v.Messages[0].Sending })
	assert.Len(t, w.store.Messages("j1"), 1)
}

func TestSendWithoutConversation(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	_, err := h.sess.Send(context.Background(), "hi", "")
	assert.ErrorIs(t, err, chat.ErrNoConversation)

	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	h.selectJob("j1")
	_, err = h.sess.Send(context.Background(), "   ", "")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
}

func TestMarkReadHoldsUntilCounterpartWrites(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	h.waitConversations(func(c []model.Conversation) bool { return find(c, "j3").UnreadCount == 1 })

	require.NoError(t, h.sess.MarkRead(context.Background(), "j3"))
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 && find(c, "j3").UnreadCount == 0 })

	w.store.Seed(model.Message{JobID: "j3", SenderID: userA, Content: "Отправила"})
	items := h.waitConversations(func(c []model.Conversation) bool { return find(c, "j3").LastMessage == "Отправила" })
	assert.Zero(t, find(items, "j3").UnreadCount)

	w.store.Seed(model.Message{JobID: "j3", SenderID: userB, Content: "Получил"})
	items = h.waitConversations(func(c []model.Conversation) bool { return find(c, "j3").LastMessage == "Получил" })
	assert.Equal(t, 1, find(items, "j3").UnreadCount)
}

func TestSelectForeignJobIsRejected(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)

	require.NoError(t, h.sess.Select(context.Background(), "j9"))
	u := h.waitEvent(session.KindError, func(session.Update) bool { return true })
	assert.ErrorIs(t, u.Err, session.ErrForbidden)
	h.waitThread(func(v *session.ThreadView) bool { return v.JobID == "" })
}

func TestResyncCatchesUpMissedMessages(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	h.selectJob("j1")

	w.feed.muted.Store(true)
	missed := w.store.Seed(model.Message{JobID: "j1", SenderID: userB, Content: "Пока вас не было"})
	w.store.Seed(model.Message{JobID: "j2", SenderID: userB, Content: "И тут тоже"})
	w.feed.muted.Store(false)

	w.broker.Resync("")

	v := h.waitThread(func(v *session.ThreadView) bool { return len(v.Messages) == 1 })
	assert.Equal(t, missed.ID, v.Messages[0].ID)
	items := h.waitConversations(func(c []model.Conversation) bool { return find(c, "j2").LastMessage == "И тут тоже" })
	assert.Equal(t, 1, find(items, "j2").UnreadCount)
	assert.True(t, sortedDesc(items))
}

func TestBadgeAndAlerts(t *testing.T) {
	w := newWorld(t)
	notifs := w.store.Notifications()
	for i := 0; i < 2; i++ {
		_, err := notifs.Create(context.Background(), model.Notification{UserID: userA, Type: model.NotificationNewBid, Title: "Новый отклик"})
		require.NoError(t, err)
	}
	h := w.open(t, userA)
	h.waitEvent(session.KindBadge, func(u session.Update) bool { return u.Count == 2 })

	_, err := notifs.Create(context.Background(), model.Notification{
		UserID: userA, Type: model.NotificationJobAccepted, Title: "Заказ принят", Content: "Игорь взял заказ", Link: "/jobs/j1",
	})
	require.NoError(t, err)
	alert := h.waitEvent(session.KindAlert, func(session.Update) bool { return true })
	assert.Equal(t, "Заказ принят", alert.Alert.Title)
	assert.Equal(t, "/jobs/j1", alert.Alert.Link)
	require.Eventually(t, func() bool { return h.sess.Badge() == 3 }, waitFor, tick)

	require.NoError(t, h.sess.MarkAllRead(context.Background()))
	require.Eventually(t, func() bool {
		u, ok := h.latest(session.KindBadge)
		return ok && u.Count == 0 && h.sess.Badge() == 0
	}, waitFor, tick)
}

func TestCloseTearsDownEverything(t *testing.T) {
	w := newWorld(t)
	h := w.open(t, userA)
	h.waitConversations(func(c []model.Conversation) bool { return len(c) == 3 })
	h.selectJob("j1")
	// сообщения: глобальная + диалог, уведомления: одна
	require.Equal(t, 3, w.broker.Len())

	h.sess.Close()
	h.sess.Close()

	select {
	case <-h.done:
	case <-time.After(waitFor):
		t.Fatal("updates channel was not closed")
	}
	assert.Zero(t, w.broker.Len())
	assert.ErrorIs(t, h.sess.Select(context.Background(), "j2"), session.ErrClosed)
	_, err := h.sess.Send(context.Background(), "x", "")
	assert.ErrorIs(t, err, session.ErrClosed)
}
