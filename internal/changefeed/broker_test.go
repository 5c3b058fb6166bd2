package changefeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhmarket/internal/model"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		require.True(t, ok, "subscription closed: %v", s.Err())
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case ev := <-s.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestFilterByColumnEquality(t *testing.T) {
	b := NewBroker(0)
	defer b.Close()
	j1, err := b.Subscribe(context.Background(), Filter{Table: TableMessages, Column: "job_id", Value: "j1"})
	require.NoError(t, err)
	all, err := b.Subscribe(context.Background(), Filter{Table: TableMessages})
	require.NoError(t, err)

	b.Publish(MessageEvent(OpInsert, model.Message{ID: "m1", JobID: "j2"}))
	b.Publish(MessageEvent(OpInsert, model.Message{ID: "m2", JobID: "j1"}))
	b.Publish(NotificationEvent(OpInsert, model.Notification{ID: "n1", UserID: "j1"}, nil))

	m, err := DecodeMessage(recv(t, j1).New)
	require.NoError(t, err)
	assert.Equal(t, "m2", m.ID)
	assertEmpty(t, j1)

	first, _ := DecodeMessage(recv(t, all).New)
	second, _ := DecodeMessage(recv(t, all).New)
	assert.Equal(t, []string{"m1", "m2"}, []string{first.ID, second.ID}, "publication order")
	assertEmpty(t, all)
}

func TestLaggingSubscriberIsClosed(t *testing.T) {
	b := NewBroker(2)
	defer b.Close()
	slow, err := b.Subscribe(context.Background(), Filter{Table: TableMessages})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b.Publish(MessageEvent(OpInsert, model.Message{ID: "m", JobID: "j"}))
	}

	recv(t, slow)
	recv(t, slow)
	_, ok := <-slow.C()
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Err(), ErrLagged)
	assert.Zero(t, b.Len())
}

func TestResyncReachesEverySubscriptionOfTable(t *testing.T) {
	b := NewBroker(0)
	defer b.Close()
	a, _ := b.Subscribe(context.Background(), Filter{Table: TableMessages, Column: "job_id", Value: "j1"})
	n, _ := b.Subscribe(context.Background(), Filter{Table: TableNotifications, Column: "user_id", Value: "u1"})

	b.Resync(TableMessages)
	assert.Equal(t, OpResync, recv(t, a).Op)
	assertEmpty(t, n)

	b.Resync("")
	assert.Equal(t, OpResync, recv(t, a).Op)
	assert.Equal(t, OpResync, recv(t, n).Op)
}

func TestContextCancelClosesSubscription(t *testing.T) {
	b := NewBroker(0)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := b.Subscribe(ctx, Filter{Table: TableJobs})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-s.C()
	assert.False(t, ok)
	assert.ErrorIs(t, s.Err(), ErrClosed)
	s.Close()
}

func TestClosedBrokerRejectsSubscribe(t *testing.T) {
	b := NewBroker(0)
	s, _ := b.Subscribe(context.Background(), Filter{Table: TableJobs})
	b.Close()
	b.Close()

	_, ok := <-s.C()
	assert.False(t, ok)
	_, err := b.Subscribe(context.Background(), Filter{Table: TableJobs})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscribeRequiresTable(t *testing.T) {
	_, err := NewBroker(0).Subscribe(context.Background(), Filter{})
	assert.Error(t, err)
}

func TestFilterMatchesNonStringColumns(t *testing.T) {
	ev := Event{Table: "jobs", Op: OpUpdate, New: json.RawMessage(`{"id": 7, "active": true, "owner": null}`)}
	assert.True(t, Filter{Table: "jobs", Column: "id", Value: "7"}.Match(ev))
	assert.True(t, Filter{Table: "jobs", Column: "active", Value: "true"}.Match(ev))
	assert.False(t, Filter{Table: "jobs", Column: "owner", Value: ""}.Match(ev))
	assert.False(t, Filter{Table: "jobs", Column: "missing", Value: "x"}.Match(ev))
	assert.Equal(t, "jobs:id=eq.7", Filter{Table: "jobs", Column: "id", Value: "7"}.String())
}
