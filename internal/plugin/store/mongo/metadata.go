package mongo

import (
	"context"
	"fmt"

	"github.com/voxline/calldata-service/internal/model"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var metadataProjection = bson.M{
	"_id":         0,
	"user_id":     1,
	"workflow_id": 1,
	"call_id":     1,
	"metadata":    1,
	"created_at":  1,
	"updated_at":  1,
}

// AddMetadata upserts the metadata field of a call. Merge mode sets each
// top-level key individually so sibling keys survive; replace mode overwrites
// the whole field. A non-map value under merge mode degrades to replace; a
// non-map value under replace mode is stored verbatim, unlike message
// normalization which always wraps scalars.
func (s *Store) AddMetadata(ctx context.Context, userID, workflowID, callID string, metadata any, mode model.MergeMode) (bool, error) {
	now := s.zone.NowString()
	if err := s.ensureAncestors(ctx, userID, workflowID, now); err != nil {
		return false, err
	}

	insertOnly := bson.M{
		"user_id":     userID,
		"workflow_id": workflowID,
		"call_id":     callID,
		"messages":    bson.A{},
		"created_at":  now,
	}
	var update bson.M
	if m, ok := metadata.(map[string]any); ok && mode == model.MergeModeMerge {
		set := bson.M{"updated_at": now}
		for k, v := range m {
			set["metadata."+k] = v
		}
		update = bson.M{"$set": set, "$setOnInsert": insertOnly}
	} else {
		update = bson.M{
			"$set":         bson.M{"metadata": metadata, "updated_at": now},
			"$setOnInsert": insertOnly,
		}
	}

	res, err := upsertOne(ctx, s.calls(),
		bson.M{"user_id": userID, "workflow_id": workflowID, "call_id": callID},
		update,
	)
	if err != nil {
		return false, fmt.Errorf("upsert call metadata: %w", err)
	}
	s.invalidateLatest(ctx, userID, workflowID)
	return res.UpsertedID != nil, nil
}

// GetMetadata returns the metadata view of every call matching the query.
// A single-call query that matches nothing, or a call outside the window,
// is a NotFoundError.
func (s *Store) GetMetadata(ctx context.Context, q registrystore.Query) ([]registrystore.CallMetadata, error) {
	if q.CallID != "" {
		var d callDoc
		err := s.calls().FindOne(ctx, identityFilter(q), options.FindOne().SetProjection(metadataProjection)).Decode(&d)
		if err == mongo.ErrNoDocuments {
			return nil, &registrystore.NotFoundError{Resource: "call", ID: q.CallID}
		}
		if err != nil {
			return nil, fmt.Errorf("find call: %w", err)
		}
		if !s.callInWindow(&d, q.Window) {
			return nil, &registrystore.NotFoundError{Resource: "call", ID: q.CallID}
		}
		return []registrystore.CallMetadata{metadataView(&d)}, nil
	}

	docs, err := s.findInWindow(ctx, q, metadataProjection)
	if err != nil {
		return nil, err
	}
	out := make([]registrystore.CallMetadata, 0, len(docs))
	for i := range docs {
		out = append(out, metadataView(&docs[i]))
	}
	return out, nil
}

// GetLatestMetadata returns the most recently touched call under the
// workflow. No time filtering applies.
func (s *Store) GetLatestMetadata(ctx context.Context, userID, workflowID string) (*registrystore.CallMetadata, error) {
	d, err := s.findLatest(ctx, userID, workflowID, metadataProjection)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, &registrystore.NotFoundError{Resource: "workflow calls", ID: workflowID}
	}
	view := metadataView(d)
	return &view, nil
}

// DeleteMetadata unsets the metadata field of every matching in-window call
// and refreshes updated_at. The call documents are kept. A single-call query
// with nothing in range is a NotFoundError, not an empty success.
func (s *Store) DeleteMetadata(ctx context.Context, q registrystore.Query) (*registrystore.DeleteResult, error) {
	docs, err := s.findInWindow(ctx, q, metadataProjection)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		if q.CallID != "" {
			return nil, &registrystore.NotFoundError{Resource: "call", ID: q.CallID}
		}
		return &registrystore.DeleteResult{}, nil
	}

	ids := make([]string, len(docs))
	workflowSet := make(map[string]struct{}, len(docs))
	for i := range docs {
		ids[i] = docs[i].CallID
		workflowSet[docs[i].WorkflowID] = struct{}{}
	}
	filter := bson.M{"user_id": q.UserID, "call_id": bson.M{"$in": ids}}
	if q.WorkflowID != "" {
		filter["workflow_id"] = q.WorkflowID
	}
	res, err := s.calls().UpdateMany(ctx, filter, bson.M{
		"$unset": bson.M{"metadata": ""},
		"$set":   bson.M{"updated_at": s.zone.NowString()},
	})
	if err != nil {
		return nil, fmt.Errorf("unset call metadata: %w", err)
	}
	for wf := range workflowSet {
		s.invalidateLatest(ctx, q.UserID, wf)
	}
	return &registrystore.DeleteResult{MatchedCalls: res.MatchedCount, ModifiedCalls: res.ModifiedCount}, nil
}

func metadataView(d *callDoc) registrystore.CallMetadata {
	return registrystore.CallMetadata{
		UserID:     d.UserID,
		WorkflowID: d.WorkflowID,
		CallID:     d.CallID,
		Metadata:   d.Metadata,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}
