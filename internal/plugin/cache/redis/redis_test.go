package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxline/calldata-service/internal/model"
	"github.com/voxline/calldata-service/internal/plugin/cache/redis"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	"github.com/voxline/calldata-service/internal/testutil/testredis"
)

func TestLatestCallCache_RoundTrip(t *testing.T) {
	redisURL := testredis.StartRedis(t)
	ctx := context.Background()

	cache, err := redis.LoadFromURL(ctx, redisURL, time.Minute)
	require.NoError(t, err)
	assert.True(t, cache.Available())

	// Empty cache misses cleanly.
	got, err := cache.Get(ctx, "u1", "wf1")
	require.NoError(t, err)
	assert.Nil(t, got)

	call := registrystore.CallConversation{
		UserID:     "u1",
		WorkflowID: "wf1",
		CallID:     "c1",
		Messages:   []model.Message{{"role": "user", "text": "hi"}},
		CreatedAt:  "2025-03-10T10:00:00+05:30",
		UpdatedAt:  "2025-03-10T11:00:00+05:30",
	}
	require.NoError(t, cache.Set(ctx, "u1", "wf1", call, 0))

	got, err = cache.Get(ctx, "u1", "wf1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.CallID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0]["text"])

	// Keys are scoped per (user, workflow) pair.
	other, err := cache.Get(ctx, "u1", "wf2")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, cache.Remove(ctx, "u1", "wf1"))
	got, err = cache.Get(ctx, "u1", "wf1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLatestCallCache_TTLExpiry(t *testing.T) {
	redisURL := testredis.StartRedis(t)
	ctx := context.Background()

	cache, err := redis.LoadFromURL(ctx, redisURL, time.Minute)
	require.NoError(t, err)

	call := registrystore.CallConversation{UserID: "u1", WorkflowID: "wf1", CallID: "c1"}
	require.NoError(t, cache.Set(ctx, "u1", "wf1", call, 100*time.Millisecond))

	require.Eventually(t, func() bool {
		got, err := cache.Get(ctx, "u1", "wf1")
		return err == nil && got == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLoadFromURL_BadURL(t *testing.T) {
	_, err := redis.LoadFromURL(context.Background(), "not a url", time.Minute)
	require.Error(t, err)
}
