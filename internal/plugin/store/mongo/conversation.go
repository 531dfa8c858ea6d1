package mongo

import (
	"context"
	"fmt"

	"github.com/voxline/calldata-service/internal/model"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	"github.com/voxline/calldata-service/internal/security"
	"github.com/voxline/calldata-service/internal/timeband"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var conversationProjection = bson.M{
	"_id":         0,
	"user_id":     1,
	"workflow_id": 1,
	"call_id":     1,
	"messages":    1,
	"created_at":  1,
	"updated_at":  1,
}

// AddConversation appends the already-normalized messages to the call in one
// atomic push, preserving their relative order after any existing messages.
func (s *Store) AddConversation(ctx context.Context, userID, workflowID, callID string, msgs []model.Message) (int, bool, error) {
	now := s.zone.NowString()
	if err := s.ensureAncestors(ctx, userID, workflowID, now); err != nil {
		return 0, false, err
	}

	res, err := upsertOne(ctx, s.calls(),
		bson.M{"user_id": userID, "workflow_id": workflowID, "call_id": callID},
		bson.M{
			"$setOnInsert": bson.M{
				"user_id":     userID,
				"workflow_id": workflowID,
				"call_id":     callID,
				"metadata":    bson.M{},
				"created_at":  now,
			},
			"$push": bson.M{"messages": bson.M{"$each": msgs}},
			"$set":  bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return 0, false, fmt.Errorf("append call messages: %w", err)
	}
	s.invalidateLatest(ctx, userID, workflowID)
	return len(msgs), res.UpsertedID != nil, nil
}

// GetConversation returns the transcript view of every call matching the
// query. The window filters calls by their call-level timestamp first, then
// individual messages by their timestamp field; messages without a usable
// timestamp are retained. limit truncates each filtered message list.
func (s *Store) GetConversation(ctx context.Context, q registrystore.Query, limit int) ([]registrystore.CallConversation, error) {
	if q.CallID != "" {
		var d callDoc
		err := s.calls().FindOne(ctx, identityFilter(q), options.FindOne().SetProjection(conversationProjection)).Decode(&d)
		if err == mongo.ErrNoDocuments {
			return nil, &registrystore.NotFoundError{Resource: "call", ID: q.CallID}
		}
		if err != nil {
			return nil, fmt.Errorf("find call: %w", err)
		}
		if !s.callInWindow(&d, q.Window) {
			return nil, &registrystore.NotFoundError{Resource: "call", ID: q.CallID}
		}
		return []registrystore.CallConversation{s.conversationView(&d, q.Window, limit)}, nil
	}

	docs, err := s.findInWindow(ctx, q, conversationProjection)
	if err != nil {
		return nil, err
	}
	out := make([]registrystore.CallConversation, 0, len(docs))
	for i := range docs {
		out = append(out, s.conversationView(&docs[i], q.Window, limit))
	}
	return out, nil
}

// GetLatestConversation returns the most recently touched call under the
// workflow with its full transcript, truncated to limit messages when
// limit > 0. Results are served from the latest-call cache when one is
// configured; writes invalidate it.
func (s *Store) GetLatestConversation(ctx context.Context, userID, workflowID string, limit int) (*registrystore.CallConversation, error) {
	if s.latestCache != nil && s.latestCache.Available() {
		cached, err := s.latestCache.Get(ctx, userID, workflowID)
		if err == nil && cached != nil {
			security.CacheHit()
			view := *cached
			view.Messages = truncate(view.Messages, limit)
			return &view, nil
		}
		security.CacheMiss()
	}

	d, err := s.findLatest(ctx, userID, workflowID, conversationProjection)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, &registrystore.NotFoundError{Resource: "workflow calls", ID: workflowID}
	}
	full := s.conversationView(d, timeband.Range{}, 0)
	if s.latestCache != nil && s.latestCache.Available() {
		if err := s.latestCache.Set(ctx, userID, workflowID, full, s.cacheTTL); err != nil {
			// Cache population is best-effort.
			security.CacheMiss()
		}
	}
	view := full
	view.Messages = truncate(view.Messages, limit)
	return &view, nil
}

// DeleteConversation clears the messages of matching in-window calls. When
// the query has bounds, only messages whose timestamp falls inside the window
// are removed; messages without a usable timestamp are never deleted by a
// ranged delete.
func (s *Store) DeleteConversation(ctx context.Context, q registrystore.Query) (*registrystore.ConversationDeleteResult, error) {
	now := s.zone.NowString()

	if q.CallID != "" {
		var d callDoc
		err := s.calls().FindOne(ctx, identityFilter(q), options.FindOne().SetProjection(conversationProjection)).Decode(&d)
		if err == mongo.ErrNoDocuments {
			return nil, &registrystore.NotFoundError{Resource: "call", ID: q.CallID}
		}
		if err != nil {
			return nil, fmt.Errorf("find call: %w", err)
		}
		if !s.callInWindow(&d, q.Window) {
			return nil, &registrystore.NotFoundError{Resource: "call", ID: q.CallID}
		}
		kept := s.surviveDelete(d.Messages, q.Window)
		removed := len(d.Messages) - len(kept)
		_, err = s.calls().UpdateOne(ctx, identityFilter(q), bson.M{
			"$set": bson.M{"messages": kept, "updated_at": now},
		})
		if err != nil {
			return nil, fmt.Errorf("rewrite call messages: %w", err)
		}
		s.invalidateLatest(ctx, q.UserID, d.WorkflowID)
		modified := int64(0)
		if removed > 0 {
			modified = 1
		}
		return &registrystore.ConversationDeleteResult{MatchedCalls: 1, ModifiedCalls: modified, RemovedMessages: removed}, nil
	}

	docs, err := s.findInWindow(ctx, q, conversationProjection)
	if err != nil {
		return nil, err
	}
	result := &registrystore.ConversationDeleteResult{}
	for i := range docs {
		d := &docs[i]
		result.MatchedCalls++
		kept := s.surviveDelete(d.Messages, q.Window)
		removed := len(d.Messages) - len(kept)
		if removed == 0 {
			continue
		}
		_, err := s.calls().UpdateOne(ctx,
			bson.M{"user_id": d.UserID, "workflow_id": d.WorkflowID, "call_id": d.CallID},
			bson.M{"$set": bson.M{"messages": kept, "updated_at": now}},
		)
		if err != nil {
			return nil, fmt.Errorf("rewrite call messages: %w", err)
		}
		s.invalidateLatest(ctx, d.UserID, d.WorkflowID)
		result.ModifiedCalls++
		result.RemovedMessages += removed
	}
	return result, nil
}

// surviveDelete returns the messages a delete keeps: none for an unbounded
// delete, or those outside the window (including timestamp-less messages,
// which are fail-open) for a ranged one.
func (s *Store) surviveDelete(msgs []model.Message, window timeband.Range) []model.Message {
	if window.IsZero() {
		return []model.Message{}
	}
	kept := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		t, ok := s.zone.Normalize(m.Timestamp())
		if !ok || !window.Contains(t) {
			kept = append(kept, m)
		}
	}
	return kept
}

func (s *Store) conversationView(d *callDoc, window timeband.Range, limit int) registrystore.CallConversation {
	msgs := d.Messages
	if !window.IsZero() {
		filtered := make([]model.Message, 0, len(msgs))
		for _, m := range msgs {
			if s.zone.InRange(window, m.Timestamp()) {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return registrystore.CallConversation{
		UserID:     d.UserID,
		WorkflowID: d.WorkflowID,
		CallID:     d.CallID,
		Messages:   truncate(msgs, limit),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func truncate(msgs []model.Message, limit int) []model.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}
