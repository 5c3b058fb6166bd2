// Package changefeed доставляет построчные события INSERT/UPDATE из хранилища подписчикам,
// с фильтром по таблице и равенству одной колонки (как job_id = X или user_id = Y).
package changefeed

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	// OpResync рассылается после переподключения источника: события за время разрыва могли потеряться.
	OpResync Op = "RESYNC"
)

// Table names emitted by the row trigger.
const (
	TableMessages      = "messages"
	TableNotifications = "notifications"
	TableJobs          = "jobs"
)

// Event — изменение строки. New — новая версия строки, Old — прежняя (только для UPDATE).
type Event struct {
	Table string          `json:"table"`
	Op    Op              `json:"op"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Filter выбирает события таблицы; Column/Value — необязательное равенство по колонке новой строки.
type Filter struct {
	Table  string
	Column string
	Value  string
}

func (f Filter) String() string {
	if f.Column == "" {
		return f.Table
	}
	return f.Table + ":" + f.Column + "=eq." + f.Value
}

// Match проверяет, подходит ли событие под фильтр. Resync подходит любому фильтру той же таблицы.
func (f Filter) Match(ev Event) bool {
	if ev.Table != f.Table {
		return false
	}
	if f.Column == "" || ev.Op == OpResync {
		return true
	}
	v, ok := columnValue(ev.New, f.Column)
	return ok && v == f.Value
}

func columnValue(row json.RawMessage, column string) (string, bool) {
	if len(row) == 0 {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[column]
	if !ok {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}
