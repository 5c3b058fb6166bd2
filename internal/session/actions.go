package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/buhmarket/internal/changefeed"
	"github.com/buhmarket/internal/chat"
	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
)

// Select открывает диалог по заказу jobID ("" — закрыть открытый диалог).
func (s *Session) Select(ctx context.Context, jobID string) error {
	return s.do(ctx, func() { s.selectConversation(jobID) })
}

type sendReply struct {
	tempID string
	err    error
}

// Send оптимистично добавляет сообщение в открытый диалог и возвращает временный id.
// clientKey — ключ идемпотентности от клиента; пустой — используется временный id.
// Результат записи приходит через Updates: thread при успехе, send_failed при ошибке.
func (s *Session) Send(ctx context.Context, content, clientKey string) (string, error) {
	reply := make(chan sendReply, 1)
	if err := s.do(ctx, func() {
		id, err := s.beginSend(content, clientKey)
		reply <- sendReply{tempID: id, err: err}
	}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.tempID, r.err
	case <-s.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// MarkRead помечает прочитанным диалог jobID ("" — открытый).
func (s *Session) MarkRead(ctx context.Context, jobID string) error {
	return s.do(ctx, func() {
		if jobID == "" {
			jobID = s.thread.JobID()
		}
		s.markConversationRead(jobID)
	})
}

// MarkAllRead помечает прочитанными уведомления (все или только types).
func (s *Session) MarkAllRead(ctx context.Context, types ...model.NotificationType) error {
	return s.do(ctx, func() {
		s.io("MarkAllRead", func(ctx context.Context) func() {
			if err := s.notify.MarkAllRead(ctx, types...); err != nil {
				logger.Errorf("session: mark all read user=%s: %v", s.userID, err)
				return func() { s.emitError(err) }
			}
			return nil
		})
	})
}

// MarkNotificationsRead помечает прочитанными конкретные уведомления.
func (s *Session) MarkNotificationsRead(ctx context.Context, ids ...string) error {
	return s.do(ctx, func() {
		s.io("MarkNotificationsRead", func(ctx context.Context) func() {
			if err := s.notify.MarkRead(ctx, ids...); err != nil {
				logger.Errorf("session: mark notifications read user=%s: %v", s.userID, err)
				return func() { s.emitError(err) }
			}
			return nil
		})
	})
}

// FetchCount запрашивает авторитетное число непрочитанных уведомлений.
func (s *Session) FetchCount(ctx context.Context) error {
	return s.do(ctx, func() {
		s.io("FetchCount", func(ctx context.Context) func() {
			if _, err := s.notify.FetchCount(ctx); err != nil {
				logger.Errorf("session: fetch count user=%s: %v", s.userID, err)
			}
			return nil
		})
	})
}

// Badge возвращает текущее значение бейджа уведомлений.
func (s *Session) Badge() int { return s.notify.Count() }

// --- цикл ---

func (s *Session) reloadList() {
	s.listSeq++
	seq := s.listSeq
	s.io("LoadConversations", func(ctx context.Context) func() {
		items, err := chat.LoadConversations(ctx, s.userID, s.deps.Jobs, s.deps.Messages)
		if err != nil {
			logger.Errorf("session: load conversations user=%s: %v", s.userID, err)
			return nil
		}
		return func() {
			if seq != s.listSeq {
				return
			}
			s.list.Replace(items)
			s.emitConversations()
		}
	})
}

func (s *Session) selectConversation(jobID string) {
	if jobID == s.thread.JobID() {
		return
	}
	if s.threadSub != nil {
		s.threadSub.Close()
		s.threadSub = nil
	}
	s.thread.Open(jobID)
	s.list.SetOpen(jobID)
	s.openJob = nil
	s.threadReady = false
	s.historySeq++
	if jobID == "" {
		s.emitThread()
		return
	}
	// подписка раньше загрузки: события за время запроса сохранятся в журнале
	sub, err := s.deps.Feed.Subscribe(s.ctx, messagesOf(jobID))
	if err != nil {
		logger.Errorf("session: subscribe job=%s: %v", jobID, err)
	} else {
		s.threadSub = sub
	}
	s.emitThread()
	s.loadThread(jobID, true)
}

func messagesOf(jobID string) changefeed.Filter {
	return changefeed.Filter{Table: changefeed.TableMessages, Column: "job_id", Value: jobID}
}

// loadThread читает заказ (проверка доступа) и историю. check=false — только история.
func (s *Session) loadThread(jobID string, check bool) {
	s.historySeq++
	seq := s.historySeq
	limit := s.deps.HistoryLimit
	s.io("LoadHistory", func(ctx context.Context) func() {
		var job *model.Job
		if check {
			j, err := s.deps.Jobs.GetByID(ctx, jobID)
			if err == nil && (!j.HasParticipant(s.userID) || !j.Status.ChatActive()) {
				err = ErrForbidden
			}
			if err != nil {
				return func() { s.rejectThread(seq, jobID, err) }
			}
			job = j
		}
		msgs, err := chat.FetchHistory(ctx, s.deps.Messages, jobID, limit)
		return func() {
			if seq != s.historySeq || s.thread.JobID() != jobID {
				return
			}
			if job != nil {
				s.openJob = job
			}
			s.threadReady = true
			if err != nil {
				// журнал остаётся пустым (или с тем, что пришло push'ем), UI показывает ошибку
				logger.Errorf("session: %v", err)
				s.emitThread()
				s.emitError(err)
				return
			}
			hasUnread := s.thread.ReplaceHistory(jobID, msgs)
			s.emitThread()
			if c, ok := s.list.Get(jobID); hasUnread || (ok && c.UnreadCount > 0) {
				s.markConversationRead(jobID)
			}
		}
	})
}

func (s *Session) rejectThread(seq uint64, jobID string, err error) {
	if seq != s.historySeq || s.thread.JobID() != jobID {
		return
	}
	if errors.Is(err, ErrForbidden) {
		logger.Errorf("session: user=%s job=%s: %v", s.userID, jobID, err)
	} else {
		logger.Errorf("session: load job=%s: %v", jobID, err)
	}
	s.selectConversation("")
	s.emitError(err)
}

func (s *Session) markConversationRead(jobID string) {
	if jobID == "" {
		return
	}
	s.io("MarkConversationRead", func(ctx context.Context) func() {
		if err := s.reads.Mark(ctx, jobID); err != nil {
			logger.Errorf("session: %v", err)
			return func() { s.emitError(err) }
		}
		return func() {
			changed := s.reads.Apply(jobID)
			if changed {
				s.emitConversations()
			}
			if jobID == s.thread.JobID() {
				s.emitThread()
			}
		}
	})
}

func (s *Session) beginSend(content, clientKey string) (string, error) {
	if s.thread.JobID() == "" || !s.threadReady || s.openJob == nil {
		return "", chat.ErrNoConversation
	}
	if clientKey != "" {
		if _, dup := s.sendKeys[clientKey]; dup {
			return "", ErrDuplicateSend
		}
	}
	e, err := s.thread.BeginSend(content)
	if err != nil {
		return "", err
	}
	key := clientKey
	if key == "" {
		key = e.TempID
	}
	jobID := s.thread.JobID()
	p := pendingSend{key: key, jobID: jobID, content: e.Message.Content, at: e.Message.CreatedAt}
	p.prev, p.hadPrev = s.list.Get(jobID)
	s.sends[e.TempID] = p
	s.sendKeys[key] = e.TempID

	s.emitThread()
	if s.list.NoteLocalSend(jobID, p.content, p.at) {
		s.emitConversations()
	}

	draft := chat.DraftFrom(e)
	job := *s.openJob
	guard, ttl := s.deps.Guard, s.deps.SendKeyTTL
	guardKey := s.userID + ":" + key
	tempID := e.TempID
	s.io("Send", func(ctx context.Context) func() {
		if guard != nil {
			ok, err := guard.Reserve(ctx, guardKey, ttl)
			switch {
			case err != nil:
				logger.Errorf("session: send guard unavailable, sending without it: %v", err)
			case !ok:
				return func() { s.failSend(tempID, ErrDuplicateSend, false) }
			}
		}
		saved, err := s.deps.Messages.Insert(ctx, draft)
		if err != nil {
			if guard != nil {
				if rerr := guard.Release(context.WithoutCancel(ctx), guardKey); rerr != nil {
					logger.Errorf("session: release send key: %v", rerr)
				}
			}
			return func() { s.failSend(tempID, fmt.Errorf("session.Send job=%s: %w", job.ID, err), true) }
		}
		if s.deps.Notifier != nil {
			if err := s.deps.Notifier.ChatMessage(ctx, &job, saved); err != nil {
				logger.Errorf("session: %v", err)
			}
		}
		return func() { s.confirmSend(tempID, saved) }
	})
	return tempID, nil
}

func (s *Session) forgetSend(tempID string) (pendingSend, bool) {
	p, ok := s.sends[tempID]
	if !ok {
		return p, false
	}
	delete(s.sends, tempID)
	delete(s.sendKeys, p.key)
	return p, true
}

func (s *Session) confirmSend(tempID string, saved model.Message) {
	s.forgetSend(tempID)
	s.thread.ConfirmSend(tempID, saved)
	if saved.JobID == s.thread.JobID() {
		s.emitThread()
	}
}

// failSend откатывает оптимистичную отправку. withDraft=false — текст в поле ввода не возвращается.
func (s *Session) failSend(tempID string, err error, withDraft bool) {
	p, _ := s.forgetSend(tempID)
	draft, ferr := s.thread.FailSend(tempID)
	if ferr != nil {
		draft = p.content
	}
	if p.jobID == s.thread.JobID() {
		s.emitThread()
	}
	if p.hadPrev && s.list.RevertLocalSend(p.jobID, p.content, p.at, p.prev) {
		s.emitConversations()
	}
	if !withDraft {
		draft = ""
	}
	logger.Errorf("session: send failed user=%s job=%s: %v", s.userID, p.jobID, err)
	s.emit(Update{Kind: KindSendFailed, Err: err, Failure: &SendFailure{
		JobID:  p.jobID,
		TempID: tempID,
		Draft:  draft,
		Error:  err.Error(),
	}})
}

// --- события changefeed ---

func (s *Session) onThreadEvent(ev changefeed.Event) {
	switch ev.Op {
	case changefeed.OpResync:
		s.resync()
	case changefeed.OpInsert:
		m, err := changefeed.DecodeMessage(ev.New)
		if err != nil {
			logger.Errorf("session: %v", err)
			return
		}
		s.applyMessage(m)
	}
}

func (s *Session) onGlobalEvent(ev changefeed.Event) {
	switch ev.Op {
	case changefeed.OpResync:
		// открытый диалог догружается через свою подписку
		if s.threadSub == nil {
			s.resync()
		}
	case changefeed.OpInsert:
		m, err := changefeed.DecodeMessage(ev.New)
		if err != nil {
			logger.Errorf("session: %v", err)
			return
		}
		if m.JobID == s.thread.JobID() {
			if s.threadSub == nil {
				s.applyMessage(m)
			}
			return
		}
		if s.list.OnMessageInsertedGlobal(m) {
			s.emitConversations()
		}
	}
}

// applyMessage — новое сообщение открытого диалога.
func (s *Session) applyMessage(m model.Message) {
	if m.SenderName == "" && s.openJob != nil && m.SenderID != s.userID {
		m.SenderName = s.openJob.OtherPartyName(s.userID)
	}
	if s.thread.ApplyPush(m) && s.threadReady {
		s.emitThread()
	}
	if s.list.OnMessageInserted(m) {
		s.emitConversations()
	}
	if m.SenderID != s.userID && !m.IsRead && s.threadReady {
		s.markConversationRead(m.JobID)
	}
}

// resync догружает то, что могло потеряться за время разрыва.
func (s *Session) resync() {
	logger.Infof("session: resync user=%s", s.userID)
	if jobID := s.thread.JobID(); jobID != "" && s.threadReady {
		s.loadThread(jobID, false)
	}
	s.reloadList()
}

func (s *Session) onThreadSubEnded() {
	err := s.threadSub.Err()
	s.threadSub = nil
	jobID := s.thread.JobID()
	if s.ctx.Err() != nil || jobID == "" || errors.Is(err, changefeed.ErrClosed) {
		return
	}
	logger.Errorf("session: thread subscription job=%s ended: %v", jobID, err)
	sub, serr := s.deps.Feed.Subscribe(s.ctx, messagesOf(jobID))
	if serr != nil {
		logger.Errorf("session: resubscribe job=%s: %v", jobID, serr)
		return
	}
	s.threadSub = sub
	s.resync()
}

func (s *Session) onGlobalSubEnded() {
	err := s.globalSub.Err()
	s.globalSub = nil
	if s.ctx.Err() != nil || errors.Is(err, changefeed.ErrClosed) {
		return
	}
	logger.Errorf("session: global subscription ended: %v", err)
	sub, serr := s.deps.Feed.Subscribe(s.ctx, changefeed.Filter{Table: changefeed.TableMessages})
	if serr != nil {
		logger.Errorf("session: resubscribe messages: %v", serr)
		return
	}
	s.globalSub = sub
	s.resync()
}
