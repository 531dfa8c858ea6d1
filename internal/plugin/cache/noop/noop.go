// Package noop provides a disabled latest-call cache.
package noop

import (
	"context"
	"time"

	registrycache "github.com/voxline/calldata-service/internal/registry/cache"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registrycache.LatestCallCache, error) {
			return &noopCache{}, nil
		},
	})
}

// New returns a cache that never stores anything.
func New() registrycache.LatestCallCache { return &noopCache{} }

type noopCache struct{}

func (n *noopCache) Available() bool { return false }

func (n *noopCache) Get(ctx context.Context, userID, workflowID string) (*registrystore.CallConversation, error) {
	return nil, nil
}

func (n *noopCache) Set(ctx context.Context, userID, workflowID string, call registrystore.CallConversation, ttl time.Duration) error {
	return nil
}

func (n *noopCache) Remove(ctx context.Context, userID, workflowID string) error {
	return nil
}

var _ registrycache.LatestCallCache = (*noopCache)(nil)
