package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/storage"
)

type Client struct {
	mu    sync.Mutex
	sends map[string]time.Time
	subs  map[string][]model.PushSubscription
	now   func() time.Time
}

func New() *Client {
	return &Client{
		sends: make(map[string]time.Time),
		subs:  make(map[string][]model.PushSubscription),
		now:   time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, ok := c.sends[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.sends[key] = now.Add(ttl)
	// просроченные ключи чистим на ходу
	for k, exp := range c.sends {
		if !now.Before(exp) {
			delete(c.sends, k)
		}
	}
	return true, nil
}

func (c *Client) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sends, key)
	return nil
}

func (c *Client) AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := slices.DeleteFunc(c.subs[userID], func(s model.PushSubscription) bool { return s.Endpoint == sub.Endpoint })
	list = append(list, sub)
	if len(list) > storage.MaxSubsPerUser {
		list = list[len(list)-storage.MaxSubsPerUser:]
	}
	c.subs[userID] = list
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[userID] = slices.DeleteFunc(c.subs[userID], func(s model.PushSubscription) bool { return s.Endpoint == endpoint })
	if len(c.subs[userID]) == 0 {
		delete(c.subs, userID)
	}
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs[userID]), nil
}
