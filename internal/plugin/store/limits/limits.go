// Package limits bounds how many store operations run against the database
// concurrently, so a burst of slow round-trips cannot exhaust the process.
// Callers beyond the bound block until a slot frees or their context ends.
package limits

import (
	"context"
	"fmt"

	"github.com/voxline/calldata-service/internal/model"
	"github.com/voxline/calldata-service/internal/registry/store"
	"golang.org/x/sync/semaphore"
)

// Wrap returns a CallStore that admits at most maxConcurrent operations at a
// time. maxConcurrent <= 0 disables the bound.
func Wrap(inner store.CallStore, maxConcurrent int64) store.CallStore {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedStore{inner: inner, sem: semaphore.NewWeighted(maxConcurrent)}
}

type limitedStore struct {
	inner store.CallStore
	sem   *semaphore.Weighted
}

func (l *limitedStore) acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("store busy: %w", err)
	}
	return nil
}

func (l *limitedStore) AddMetadata(ctx context.Context, userID, workflowID, callID string, metadata any, mode model.MergeMode) (bool, error) {
	if err := l.acquire(ctx); err != nil {
		return false, err
	}
	defer l.sem.Release(1)
	return l.inner.AddMetadata(ctx, userID, workflowID, callID, metadata, mode)
}

func (l *limitedStore) GetMetadata(ctx context.Context, q store.Query) ([]store.CallMetadata, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.GetMetadata(ctx, q)
}

func (l *limitedStore) GetLatestMetadata(ctx context.Context, userID, workflowID string) (*store.CallMetadata, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.GetLatestMetadata(ctx, userID, workflowID)
}

func (l *limitedStore) DeleteMetadata(ctx context.Context, q store.Query) (*store.DeleteResult, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.DeleteMetadata(ctx, q)
}

func (l *limitedStore) AddConversation(ctx context.Context, userID, workflowID, callID string, msgs []model.Message) (int, bool, error) {
	if err := l.acquire(ctx); err != nil {
		return 0, false, err
	}
	defer l.sem.Release(1)
	return l.inner.AddConversation(ctx, userID, workflowID, callID, msgs)
}

func (l *limitedStore) GetConversation(ctx context.Context, q store.Query, limit int) ([]store.CallConversation, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.GetConversation(ctx, q, limit)
}

func (l *limitedStore) GetLatestConversation(ctx context.Context, userID, workflowID string, limit int) (*store.CallConversation, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.GetLatestConversation(ctx, userID, workflowID, limit)
}

func (l *limitedStore) DeleteConversation(ctx context.Context, q store.Query) (*store.ConversationDeleteResult, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.DeleteConversation(ctx, q)
}

func (l *limitedStore) Close(ctx context.Context) error {
	return l.inner.Close(ctx)
}
