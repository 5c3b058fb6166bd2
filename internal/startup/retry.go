package startup

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/buhmarket/internal/logger"
)

// retryOrExit повторяет connect с удваивающейся задержкой (2s..30s), пока не истечёт maxWait;
// после этого процесс завершается.
func retryOrExit(maxWait time.Duration, logPrefix, what string, connect func() error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = maxWait

	err := backoff.RetryNotify(connect, bo, func(err error, wait time.Duration) {
		logger.Errorf("%s%s connect failed, retry in %v: %v", logPrefix, what, wait, err)
	})
	if err != nil {
		logger.Fatalf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
	}
}
