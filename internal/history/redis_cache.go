// Package history provides the Redis-backed room history cache and the live
// per-room message counters.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stumn/Chatment-sub000/internal/event"
)

// Cache fronts `fetch-room-history` with a stale-while-revalidate friendly
// snapshot per room. Misses fall through to the document store.
type Cache struct {
	client     *redis.Client
	historyTTL time.Duration
}

// NewCache connects to Redis and verifies the connection.
func NewCache(redisURL string, historyTTL time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewCacheWithClient(client, historyTTL), nil
}

// NewCacheWithClient wraps an existing Redis client.
func NewCacheWithClient(client *redis.Client, historyTTL time.Duration) *Cache {
	return &Cache{client: client, historyTTL: historyTTL}
}

func historyKey(roomID string) string { return "history:" + roomID }
func counterKey(roomID string) string { return "msgcount:" + roomID }

// GetHistory returns the cached history snapshot for a room. The bool is
// false on a cache miss.
func (c *Cache) GetHistory(ctx context.Context, roomID string) ([]event.PostView, bool, error) {
	data, err := c.client.Get(ctx, historyKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get history %s: %w", roomID, err)
	}
	var views []event.PostView
	if err := json.Unmarshal(data, &views); err != nil {
		return nil, false, fmt.Errorf("decode history %s: %w", roomID, err)
	}
	return views, true, nil
}

// PutHistory stores the rendered history snapshot with the configured TTL.
func (c *Cache) PutHistory(ctx context.Context, roomID string, views []event.PostView) error {
	data, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", roomID, err)
	}
	if err := c.client.Set(ctx, historyKey(roomID), data, c.historyTTL).Err(); err != nil {
		return fmt.Errorf("put history %s: %w", roomID, err)
	}
	return nil
}

// InvalidateHistory drops the snapshot; the next fetch repopulates it from
// the document store. No-op for rooms that were never cached.
func (c *Cache) InvalidateHistory(ctx context.Context, roomID string) error {
	if err := c.client.Del(ctx, historyKey(roomID)).Err(); err != nil {
		return fmt.Errorf("invalidate history %s: %w", roomID, err)
	}
	return nil
}

// IncrMessageCount bumps the live message counter for a room and returns the
// new value.
func (c *Cache) IncrMessageCount(ctx context.Context, roomID string) (int64, error) {
	count, err := c.client.Incr(ctx, counterKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr message count %s: %w", roomID, err)
	}
	return count, nil
}

// MessageCount reads the live counter; 0 for unknown rooms.
func (c *Cache) MessageCount(ctx context.Context, roomID string) (int64, error) {
	count, err := c.client.Get(ctx, counterKey(roomID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get message count %s: %w", roomID, err)
	}
	return count, nil
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
