// Package logger — асинхронный лог с префиксом сервиса: запись идёт из отдельной горутины,
// вызывающий код (цикл сессии, хаб, обработчики) не блокируется. Есть замер длительности вызовов.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	asyncBufferSize = 8192
	flushTimeout    = 2 * time.Second
	// SlowCall — порог LogDuration при уровне info.
	SlowCall = 100 * time.Millisecond
)

type level int32

const (
	levelDebug level = iota
	levelInfo
)

// entry — строка лога либо (done != nil) маркер для Flush.
type entry struct {
	msg  string
	done chan struct{}
}

var (
	prefix   atomic.Value // string
	logLevel atomic.Int32
	levelSet atomic.Bool
	dropped  atomic.Int64
	out      atomic.Pointer[log.Logger]
	ch       chan entry
	once     sync.Once
)

func init() {
	prefix.Store("")
	logLevel.Store(int32(levelInfo))
	out.Store(log.New(os.Stderr, "", log.LstdFlags))
}

func parseLevel(s string) level {
	switch s {
	case "debug", "trace":
		return levelDebug
	default:
		return levelInfo
	}
}

func initWorker() {
	if !levelSet.Load() {
		logLevel.Store(int32(parseLevel(os.Getenv("LOG_LEVEL"))))
	}
	ch = make(chan entry, asyncBufferSize)
	go func() {
		for e := range ch {
			if e.done != nil {
				close(e.done)
				continue
			}
			out.Load().Print(e.msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- entry{msg: msg}:
	default:
		// буфер полон: строка теряется, счётчик попадёт в следующий Flush
		dropped.Add(1)
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "api", "push").
func SetPrefix(p string) {
	prefix.Store(p)
}

// SetOutput перенаправляет вывод (тесты, файл). По умолчанию stderr.
func SetOutput(w io.Writer) {
	out.Store(log.New(w, "", 0))
}

func tag() string {
	p := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

// SetLevel задаёт уровень из конфигурации ("debug" или "info"); LOG_LEVEL после этого не читается.
func SetLevel(l string) {
	logLevel.Store(int32(parseLevel(l)))
	levelSet.Store(true)
}

func debugEnabled() bool {
	once.Do(initWorker)
	return level(logLevel.Load()) == levelDebug
}

// Debugf пишет только при уровне debug.
func Debugf(format string, v ...any) {
	if !debugEnabled() {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// Fatalf пишет ошибку, дожидается записи очереди и завершает процесс с кодом 1.
func Fatalf(format string, v ...any) {
	Errorf(format, v...)
	Flush()
	os.Exit(1)
}

// Flush ждёт, пока воркер запишет всё, что было в очереди до вызова (не дольше flushTimeout).
func Flush() {
	once.Do(initWorker)
	if n := dropped.Swap(0); n > 0 {
		enqueue(fmt.Sprintf("%sERROR: log buffer overflow, %d lines dropped", tag(), n))
	}
	done := make(chan struct{})
	select {
	case ch <- entry{done: done}:
	case <-time.After(flushTimeout):
		return
	}
	select {
	case <-done:
	case <-time.After(flushTimeout):
	}
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// При уровне info — только вызовы дольше SlowCall, при debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if debugEnabled() || elapsed >= SlowCall {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("ConversationHandler.Send", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
