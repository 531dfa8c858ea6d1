// Package redis caches the latest call per (user, workflow) pair in Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxline/calldata-service/internal/config"
	registrycache "github.com/voxline/calldata-service/internal/registry/cache"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.LatestCallCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CALLDATA_REDIS_URL is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a LatestCallCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.LatestCallCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &latestCallCache{client: client, ttl: ttl}, nil
}

type latestCallCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func latestKey(userID, workflowID string) string {
	return fmt.Sprintf("latest-call:%s:%s", userID, workflowID)
}

func (c *latestCallCache) Available() bool {
	return true
}

func (c *latestCallCache) Get(ctx context.Context, userID, workflowID string) (*registrystore.CallConversation, error) {
	data, err := c.client.Get(ctx, latestKey(userID, workflowID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var call registrystore.CallConversation
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func (c *latestCallCache) Set(ctx context.Context, userID, workflowID string, call registrystore.CallConversation, ttl time.Duration) error {
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, latestKey(userID, workflowID), data, ttl).Err()
}

func (c *latestCallCache) Remove(ctx context.Context, userID, workflowID string) error {
	return c.client.Del(ctx, latestKey(userID, workflowID)).Err()
}

var _ registrycache.LatestCallCache = (*latestCallCache)(nil)
