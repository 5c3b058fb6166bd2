package storage

import (
	"context"
	"time"

	"github.com/buhmarket/internal/model"
)

// SendGuard резервирует клиентские ключи отправки, чтобы повтор не создал второе сообщение.
type SendGuard interface {
	// Reserve возвращает false, если ключ уже занят и его TTL не истёк.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// PushSubscriptions — подписки Web Push пользователей (не больше MaxSubsPerUser на пользователя).
type PushSubscriptions interface {
	AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
	Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
}

// Store — KV-хранилище сервиса. Реализации: redis.Client, memory.Client (для -dev без Redis).
type Store interface {
	SendGuard
	PushSubscriptions
	Close() error
}

const (
	MaxSubsPerUser  = 10
	SubscriptionTTL = 30 * 24 * time.Hour
)
