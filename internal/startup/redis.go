package startup

import (
	"context"
	"time"

	redisstorage "github.com/buhmarket/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	var client *redisstorage.Client
	retryOrExit(maxWait, logPrefix, "redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(ctx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client
}
