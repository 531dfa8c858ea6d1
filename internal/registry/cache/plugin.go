package cache

import (
	"context"
	"fmt"
	"time"

	registrystore "github.com/voxline/calldata-service/internal/registry/store"
)

type latestCacheKey struct{}

// WithContext returns a new context carrying the given LatestCallCache.
func WithContext(ctx context.Context, c LatestCallCache) context.Context {
	return context.WithValue(ctx, latestCacheKey{}, c)
}

// FromContext retrieves the LatestCallCache from the context.
// Returns nil if none was set.
func FromContext(ctx context.Context) LatestCallCache {
	c, _ := ctx.Value(latestCacheKey{}).(LatestCallCache)
	return c
}

// LatestCallCache caches the most recent call conversation per
// (user, workflow) pair. Writes to a pair must Remove its entry.
type LatestCallCache interface {
	Available() bool
	Get(ctx context.Context, userID, workflowID string) (*registrystore.CallConversation, error)
	Set(ctx context.Context, userID, workflowID string, call registrystore.CallConversation, ttl time.Duration) error
	Remove(ctx context.Context, userID, workflowID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (LatestCallCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
