package chat

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhmarket/internal/model"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, sec int, sender, content string) model.Message {
	return model.Message{
		ID:        id,
		JobID:     "j1",
		SenderID:  sender,
		Content:   content,
		CreatedAt: base.Add(time.Duration(sec) * time.Second),
	}
}

func keys(log []model.Entry) []string {
	out := make([]string, len(log))
	for i, e := range log {
		out[i] = e.Key()
	}
	return out
}

func assertSorted(t *testing.T, log []model.Entry) {
	t.Helper()
	for i := 1; i < len(log); i++ {
		assert.False(t, log[i].Message.CreatedAt.Before(log[i-1].Message.CreatedAt),
			"entry %d (%s) is older than entry %d (%s)", i, log[i].Key(), i-1, log[i-1].Key())
	}
}

func TestInsertKeepsArrivalOrderForEqualTimestamps(t *testing.T) {
	var log []model.Entry
	log = Insert(log, model.Confirmed(msg("a", 5, "u1", "a")))
	log = Insert(log, model.Confirmed(msg("b", 5, "u2", "b")))
	log = Insert(log, model.Confirmed(msg("c", 1, "u2", "c")))
	log = Insert(log, model.Confirmed(msg("d", 5, "u1", "d")))

	assert.Equal(t, []string{"c", "a", "b", "d"}, keys(log))
}

func TestInsertIgnoresDuplicateKey(t *testing.T) {
	log := Insert(nil, model.Confirmed(msg("a", 1, "u1", "x")))
	again := Insert(log, model.Confirmed(msg("a", 3, "u1", "changed")))

	require.Len(t, again, 1)
	assert.Equal(t, "x", again[0].Message.Content)
}

func TestInsertDoesNotMutateInput(t *testing.T) {
	log := Insert(nil, model.Confirmed(msg("a", 2, "u1", "a")))
	log = Insert(log, model.Confirmed(msg("b", 4, "u1", "b")))
	before := keys(log)

	_ = Insert(log, model.Confirmed(msg("c", 3, "u1", "c")))
	assert.Equal(t, before, keys(log))
}

func TestReconcileReplacesPendingInPlace(t *testing.T) {
	log := Insert(nil, model.Confirmed(msg("a", 1, "u2", "hi")))
	log = Insert(log, model.Pending("temp-1", msg("", 2, "u1", "hello")))
	log = Insert(log, model.Confirmed(msg("b", 3, "u2", "?")))

	out := Reconcile(log, "temp-1", msg("m1", 2, "u1", "hello"))

	assert.Equal(t, []string{"a", "m1", "b"}, keys(out))
	assert.Equal(t, model.EntryConfirmed, out[1].State)
	assert.False(t, out[1].Message.Sending)
	// исходный журнал не изменился
	assert.Equal(t, "temp-1", log[1].Key())
}

func TestReconcileAfterPushDropsPending(t *testing.T) {
	log := Insert(nil, model.Pending("temp-1", msg("", 2, "u1", "hello")))
	log = Insert(log, model.Confirmed(msg("m1", 2, "u1", "hello")))

	out := Reconcile(log, "temp-1", msg("m1", 2, "u1", "hello"))

	assert.Equal(t, []string{"m1"}, keys(out))
}

func TestDrop(t *testing.T) {
	log := Insert(nil, model.Pending("temp-1", msg("", 2, "u1", "hello")))

	out, removed, ok := Drop(log, "temp-1")
	require.True(t, ok)
	assert.Empty(t, out)
	assert.Equal(t, "hello", removed.Message.Content)

	_, _, ok = Drop(out, "temp-1")
	assert.False(t, ok)
}

// Любое чередование загрузки, push'ей и оптимистичных отправок даёт упорядоченный журнал
// без дублей: каждое сообщение представлено ровно одной записью.
func TestRandomInterleavingsStayOrderedAndUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var log []model.Entry
		confirmed := map[string]bool{}
		pending := map[string]model.Message{}

		for step := 0; step < 30; step++ {
			sec := rng.Intn(10)
			switch rng.Intn(4) {
			case 0: // push или загрузка
				id := fmt.Sprintf("m%d", rng.Intn(15))
				log = Insert(log, model.Confirmed(msg(id, sec, "u2", id)))
				confirmed[id] = true
			case 1: // оптимистичная отправка
				tmp := fmt.Sprintf("temp-%d-%d", round, step)
				m := msg("", sec, "u1", tmp)
				log = Insert(log, model.Pending(tmp, m))
				pending[tmp] = m
			case 2: // подтверждение отправки
				for tmp, m := range pending {
					m.ID = "s-" + tmp
					log = Reconcile(log, tmp, m)
					confirmed[m.ID] = true
					delete(pending, tmp)
					break
				}
			case 3: // push собственного сообщения раньше подтверждения
				for tmp, m := range pending {
					m.ID = "s-" + tmp
					log = Insert(log, model.Confirmed(m))
					log = Reconcile(log, tmp, m)
					confirmed[m.ID] = true
					delete(pending, tmp)
					break
				}
			}
			assertSorted(t, log)
		}

		seen := map[string]int{}
		for _, e := range log {
			seen[e.Key()]++
		}
		for k, n := range seen {
			assert.Equal(t, 1, n, "round %d: key %s appears %d times", round, k, n)
		}
		assert.Len(t, log, len(confirmed)+len(pending), "round %d", round)
	}
}
