package store

import (
	"context"
	"fmt"

	"github.com/voxline/calldata-service/internal/model"
	"github.com/voxline/calldata-service/internal/timeband"
)

// Query identifies one or more calls. WorkflowID and CallID narrow the
// selection when non-empty. Window restricts matches by the call-level
// timestamp (updated_at, falling back to created_at).
type Query struct {
	UserID     string
	WorkflowID string
	CallID     string
	Window     timeband.Range
}

// CallMetadata is the metadata view of a call document. CreatedAt/UpdatedAt
// carry the stored timestamp values verbatim, which may be strings or native
// datetimes depending on the writer.
type CallMetadata struct {
	UserID     string `json:"user_id"`
	WorkflowID string `json:"workflow_id"`
	CallID     string `json:"call_id"`
	Metadata   any    `json:"metadata"`
	CreatedAt  any    `json:"created_at"`
	UpdatedAt  any    `json:"updated_at"`
}

// CallConversation is the transcript view of a call document.
type CallConversation struct {
	UserID     string          `json:"user_id"`
	WorkflowID string          `json:"workflow_id"`
	CallID     string          `json:"call_id"`
	Messages   []model.Message `json:"messages"`
	CreatedAt  any             `json:"created_at"`
	UpdatedAt  any             `json:"updated_at"`
}

// DeleteResult reports the outcome of a metadata delete.
type DeleteResult struct {
	MatchedCalls  int64 `json:"matched_calls"`
	ModifiedCalls int64 `json:"modified_calls"`
}

// ConversationDeleteResult reports the outcome of a conversation delete.
type ConversationDeleteResult struct {
	MatchedCalls    int64 `json:"matched_calls"`
	ModifiedCalls   int64 `json:"modified_calls"`
	RemovedMessages int   `json:"removed_messages"`
}

// CallStore persists call metadata and conversation transcripts under the
// user → workflow → call hierarchy. Writes ensure the ancestor User and
// Workflow documents exist before mutating the call.
type CallStore interface {
	// AddMetadata merges or replaces the metadata of a call, creating the
	// call and its ancestors as needed. Returns whether the call document
	// was newly created.
	AddMetadata(ctx context.Context, userID, workflowID, callID string, metadata any, mode model.MergeMode) (created bool, err error)

	// GetMetadata returns the calls matching the query. When q.CallID is set
	// a miss (absent or out of window) is a *NotFoundError; otherwise an
	// empty slice is a valid result.
	GetMetadata(ctx context.Context, q Query) ([]CallMetadata, error)

	// GetLatestMetadata returns the most recently touched call under the
	// workflow, or *NotFoundError when the workflow has no calls.
	GetLatestMetadata(ctx context.Context, userID, workflowID string) (*CallMetadata, error)

	// DeleteMetadata unsets the metadata field of every matching in-window
	// call. The call documents themselves are kept.
	DeleteMetadata(ctx context.Context, q Query) (*DeleteResult, error)

	// AddConversation appends the messages to the call transcript in order,
	// creating the call and its ancestors as needed.
	AddConversation(ctx context.Context, userID, workflowID, callID string, msgs []model.Message) (appended int, created bool, err error)

	// GetConversation returns matching calls with their messages filtered by
	// the query window (per-message, fail-open on missing timestamps) and
	// truncated to limit entries when limit > 0.
	GetConversation(ctx context.Context, q Query, limit int) ([]CallConversation, error)

	// GetLatestConversation returns the most recently touched call with its
	// messages truncated to limit entries when limit > 0.
	GetLatestConversation(ctx context.Context, userID, workflowID string, limit int) (*CallConversation, error)

	// DeleteConversation clears the messages of matching in-window calls, or
	// removes only in-window messages when the query has bounds.
	DeleteConversation(ctx context.Context, q Query) (*ConversationDeleteResult, error)

	// Close releases the underlying database handle.
	Close(ctx context.Context) error
}

// Loader creates a store from config carried in the context.
type Loader func(ctx context.Context) (CallStore, error)

// Plugin represents a store backend.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
