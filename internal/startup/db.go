package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не роняет процесс сразу.
// logPrefix добавляется к сообщениям лога (например "push: ").
func ConnectDBWithRetry(poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) *pgxpool.Pool {
	var pool *pgxpool.Pool
	retryOrExit(maxWait, logPrefix, "db", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		cancel()
		if err != nil {
			return err
		}
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = p.Ping(pingCtx)
		pingCancel()
		if err != nil {
			p.Close()
			return fmt.Errorf("ping: %w", err)
		}
		pool = p
		return nil
	})
	return pool
}
