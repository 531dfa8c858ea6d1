// Package metrics wraps a CallStore to record per-operation latency.
package metrics

import (
	"context"
	"time"

	"github.com/voxline/calldata-service/internal/model"
	"github.com/voxline/calldata-service/internal/registry/store"
	"github.com/voxline/calldata-service/internal/security"
)

// Wrap returns a CallStore that records StoreLatency for every operation.
func Wrap(inner store.CallStore) store.CallStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.CallStore
}

func observe(op string, start time.Time) {
	security.ObserveStore(op, start)
}

func (m *metricsStore) AddMetadata(ctx context.Context, userID, workflowID, callID string, metadata any, mode model.MergeMode) (bool, error) {
	defer observe("add_metadata", time.Now())
	return m.inner.AddMetadata(ctx, userID, workflowID, callID, metadata, mode)
}

func (m *metricsStore) GetMetadata(ctx context.Context, q store.Query) ([]store.CallMetadata, error) {
	defer observe("get_metadata", time.Now())
	return m.inner.GetMetadata(ctx, q)
}

func (m *metricsStore) GetLatestMetadata(ctx context.Context, userID, workflowID string) (*store.CallMetadata, error) {
	defer observe("get_latest_metadata", time.Now())
	return m.inner.GetLatestMetadata(ctx, userID, workflowID)
}

func (m *metricsStore) DeleteMetadata(ctx context.Context, q store.Query) (*store.DeleteResult, error) {
	defer observe("delete_metadata", time.Now())
	return m.inner.DeleteMetadata(ctx, q)
}

func (m *metricsStore) AddConversation(ctx context.Context, userID, workflowID, callID string, msgs []model.Message) (int, bool, error) {
	defer observe("add_conversation", time.Now())
	return m.inner.AddConversation(ctx, userID, workflowID, callID, msgs)
}

func (m *metricsStore) GetConversation(ctx context.Context, q store.Query, limit int) ([]store.CallConversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, q, limit)
}

func (m *metricsStore) GetLatestConversation(ctx context.Context, userID, workflowID string, limit int) (*store.CallConversation, error) {
	defer observe("get_latest_conversation", time.Now())
	return m.inner.GetLatestConversation(ctx, userID, workflowID, limit)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, q store.Query) (*store.ConversationDeleteResult, error) {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, q)
}

func (m *metricsStore) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}
