package chat

import (
	"context"
	"fmt"
)

// ReadTracker согласует прочитанность открытого диалога со счётчиками списка.
type ReadTracker struct {
	viewerID string
	store    MessageStore
	list     *ConversationList
	thread   *Thread
}

func NewReadTracker(viewerID string, store MessageStore, list *ConversationList, thread *Thread) *ReadTracker {
	return &ReadTracker{viewerID: viewerID, store: store, list: list, thread: thread}
}

// Mark выполняет только запись в хранилище; безопасно вызывать из рабочей горутины.
func (r *ReadTracker) Mark(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrNoConversation
	}
	if _, err := r.store.MarkRead(ctx, jobID, r.viewerID); err != nil {
		return fmt.Errorf("chat.MarkConversationRead job=%s: %w", jobID, err)
	}
	return nil
}

// Apply отражает успешную пометку в списке и журнале. Возвращает true, если что-то изменилось.
func (r *ReadTracker) Apply(jobID string) bool {
	changed := r.list.ZeroUnread(jobID)
	if r.thread != nil {
		r.thread.MarkLocalRead(jobID)
	}
	return changed
}

// MarkConversationRead — Mark и затем Apply. При ошибке счётчики не меняются.
func (r *ReadTracker) MarkConversationRead(ctx context.Context, jobID string) error {
	if err := r.Mark(ctx, jobID); err != nil {
		return err
	}
	r.Apply(jobID)
	return nil
}
