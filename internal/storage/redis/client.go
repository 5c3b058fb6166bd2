package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/storage"
)

const (
	sendKeyPrefix = "send:"
	subsKeyPrefix = "push:subs:"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Reserve — SET NX с TTL по ключу send:{key}.
func (c *Client) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.cli.SetNX(ctx, sendKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis reserve: %w", err)
	}
	return ok, nil
}

func (c *Client) Release(ctx context.Context, key string) error {
	return c.cli.Del(ctx, sendKeyPrefix+key).Err()
}

// AddSubscription добавляет подписку в список push:subs:{user}; старые сверх лимита отбрасываются.
func (c *Client) AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("redis subscription encode: %w", err)
	}
	key := subsKeyPrefix + userID
	// повторная подписка того же endpoint заменяет прежнюю
	if err := c.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -storage.MaxSubsPerUser, -1)
	pipe.Expire(ctx, key, storage.SubscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	key := subsKeyPrefix + userID
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis subscriptions: %w", err)
	}
	for _, item := range list {
		var sub model.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
				return fmt.Errorf("redis unsubscribe: %w", err)
			}
		}
	}
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, subsKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis subscriptions: %w", err)
	}
	subs := make([]model.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub model.PushSubscription
		if err := json.Unmarshal([]byte(item), &sub); err != nil || !sub.Valid() {
			logger.Errorf("redis: skip broken subscription user=%s", userID)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
