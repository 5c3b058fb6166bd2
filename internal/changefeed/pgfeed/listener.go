// Package pgfeed читает события изменения строк из Postgres (LISTEN/NOTIFY) и публикует их в брокер.
package pgfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buhmarket/internal/changefeed"
	"github.com/buhmarket/internal/logger"
)

// DefaultChannel — канал, в который пишет триггер notify_row_change.
const DefaultChannel = "row_changes"

// Publisher принимает события и сигнал пересинхронизации.
type Publisher interface {
	Publish(ev changefeed.Event)
	Resync(table string)
}

// Listener держит выделенное соединение с LISTEN и переподключается с экспоненциальной задержкой.
// После каждого переподключения подписчики получают OpResync.
type Listener struct {
	pool     *pgxpool.Pool
	channel  string
	pub      Publisher
	maxDelay time.Duration
}

func NewListener(pool *pgxpool.Pool, channel string, pub Publisher) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Listener{pool: pool, channel: channel, pub: pub, maxDelay: 30 * time.Second}
}

// Run блокируется до отмены ctx.
func (l *Listener) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = l.maxDelay
	bo.MaxElapsedTime = 0

	connected := false
	for {
		err := l.listen(ctx, func() {
			if connected {
				logger.Info("changefeed: listener reconnected, resync subscribers")
				l.pub.Resync("")
			}
			connected = true
			bo.Reset()
		})
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		logger.Errorf("changefeed: listen %s failed, retry in %v: %v", l.channel, wait, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listen(ctx context.Context, onReady func()) error {
	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgfeed.acquire: %w", err)
	}
	conn := pc.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("pgfeed.listen: %w", err)
	}
	onReady()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("pgfeed.wait: %w", err)
		}
		ev, err := ParsePayload(n.Payload)
		if err != nil {
			logger.Errorf("changefeed: %v", err)
			continue
		}
		l.pub.Publish(ev)
	}
}

// ParsePayload разбирает JSON из pg_notify: {"table","op","new","old"}.
func ParsePayload(payload string) (changefeed.Event, error) {
	var ev changefeed.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("pgfeed.ParsePayload: %w", err)
	}
	if ev.Table == "" {
		return ev, errors.New("pgfeed.ParsePayload: table missing")
	}
	switch ev.Op {
	case changefeed.OpInsert, changefeed.OpUpdate:
	default:
		return ev, fmt.Errorf("pgfeed.ParsePayload: unsupported op %q", ev.Op)
	}
	return ev, nil
}
