package limits_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxline/calldata-service/internal/model"
	"github.com/voxline/calldata-service/internal/plugin/store/limits"
	"github.com/voxline/calldata-service/internal/registry/store"
)

// blockingStore holds every GetMetadata call until released.
type blockingStore struct {
	store.CallStore

	mu       sync.Mutex
	inflight int
	maxSeen  int
	release  chan struct{}
}

func (b *blockingStore) GetMetadata(ctx context.Context, q store.Query) ([]store.CallMetadata, error) {
	b.mu.Lock()
	b.inflight++
	if b.inflight > b.maxSeen {
		b.maxSeen = b.inflight
	}
	b.mu.Unlock()

	<-b.release

	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()
	return nil, nil
}

func (b *blockingStore) AddMetadata(ctx context.Context, userID, workflowID, callID string, metadata any, mode model.MergeMode) (bool, error) {
	return true, nil
}

func TestWrap_ZeroDisablesBound(t *testing.T) {
	inner := &blockingStore{}
	assert.Same(t, store.CallStore(inner), limits.Wrap(inner, 0))
	assert.Same(t, store.CallStore(inner), limits.Wrap(inner, -5))
}

func TestWrap_BoundsConcurrency(t *testing.T) {
	inner := &blockingStore{release: make(chan struct{})}
	wrapped := limits.Wrap(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := wrapped.GetMetadata(context.Background(), store.Query{UserID: "u1"})
			assert.NoError(t, err)
		}()
	}

	// Let the dispatched goroutines reach the store.
	time.Sleep(100 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	assert.LessOrEqual(t, inner.maxSeen, 2)
	assert.Equal(t, 0, inner.inflight)
}

func TestWrap_ContextCancelFailsAcquire(t *testing.T) {
	inner := &blockingStore{release: make(chan struct{})}
	wrapped := limits.Wrap(inner, 1)

	// Occupy the only slot.
	go func() {
		_, _ = wrapped.GetMetadata(context.Background(), store.Query{UserID: "u1"})
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := wrapped.GetMetadata(ctx, store.Query{UserID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(inner.release)
}

func TestWrap_PassthroughResults(t *testing.T) {
	inner := &blockingStore{release: make(chan struct{})}
	close(inner.release)
	wrapped := limits.Wrap(inner, 4)

	created, err := wrapped.AddMetadata(context.Background(), "u1", "wf1", "c1", nil, model.MergeModeMerge)
	require.NoError(t, err)
	assert.True(t, created)
}
