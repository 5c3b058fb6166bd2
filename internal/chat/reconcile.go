package chat

import (
	"slices"

	"github.com/buhmarket/internal/model"
)

// Функции этого файла чистые: входной журнал не изменяется, возвращается новый срез.
// Инвариант журнала: записи упорядочены по CreatedAt, при равенстве — по порядку поступления,
// и ни один ключ (Entry.Key) не встречается дважды.

// IndexOf возвращает позицию записи с ключом key или -1.
func IndexOf(log []model.Entry, key string) int {
	if key == "" {
		return -1
	}
	for i := range log {
		if log[i].Key() == key {
			return i
		}
	}
	return -1
}

// Insert вставляет запись после всех записей с CreatedAt <= e.CreatedAt.
// Если запись с тем же ключом уже есть, журнал возвращается без изменений.
func Insert(log []model.Entry, e model.Entry) []model.Entry {
	if IndexOf(log, e.Key()) >= 0 {
		return log
	}
	pos := len(log)
	for pos > 0 && log[pos-1].Message.CreatedAt.After(e.Message.CreatedAt) {
		pos--
	}
	out := make([]model.Entry, 0, len(log)+1)
	out = append(out, log[:pos]...)
	out = append(out, e)
	out = append(out, log[pos:]...)
	return out
}

// Drop удаляет запись с ключом key. ok=false, если её нет.
func Drop(log []model.Entry, key string) (out []model.Entry, removed model.Entry, ok bool) {
	i := IndexOf(log, key)
	if i < 0 {
		return log, model.Entry{}, false
	}
	removed = log[i]
	out = slices.Concat(log[:i], log[i+1:])
	return out, removed, true
}

// Reconcile заменяет Pending-запись tempID подтверждённым сообщением.
// Если подтверждённый id уже в журнале (push пришёл раньше ответа на запись),
// Pending-запись просто удаляется. Если tempID не найден, подтверждённая запись вставляется
// по времени — повторная вставка исключена проверкой ключа.
func Reconcile(log []model.Entry, tempID string, confirmed model.Message) []model.Entry {
	out, _, _ := Drop(log, tempID)
	if IndexOf(out, confirmed.ID) >= 0 {
		return out
	}
	return Insert(out, model.Confirmed(confirmed))
}

// Messages разворачивает журнал в сообщения для отображения.
func Messages(log []model.Entry) []model.Message {
	out := make([]model.Message, len(log))
	for i := range log {
		out[i] = log[i].Message
	}
	return out
}
