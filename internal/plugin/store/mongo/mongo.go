// Package mongo implements the call-data store on MongoDB.
//
// Documents live in three collections: users, workflows, and calls. Calls
// embed their metadata map and message array; per-document update atomicity
// is the only concurrency control. Every call mutation first runs the
// ancestor upserts so a call document always implies its workflow and user
// documents exist.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/voxline/calldata-service/internal/config"
	"github.com/voxline/calldata-service/internal/model"
	registrycache "github.com/voxline/calldata-service/internal/registry/cache"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	"github.com/voxline/calldata-service/internal/timeband"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "mongo",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registrystore.CallStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, &registrystore.ConfigurationError{Setting: "db-url", Message: "MongoDB connection string is required"}
	}
	zone, err := timeband.LoadZone(cfg.Timezone)
	if err != nil {
		return nil, &registrystore.ConfigurationError{Setting: "timezone", Message: err.Error()}
	}

	opts := options.Client().
		ApplyURI(cfg.DBURL).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second).
		// Decode open documents to bson.M so metadata values survive a
		// JSON round trip as objects, not key/value arrays.
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	attempts := cfg.DBConnectAttempts
	if attempts <= 0 {
		attempts = 3
	}
	if err := pingWithRetry(ctx, client, attempts); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	store := &Store{
		client:      client,
		db:          client.Database(cfg.DBName),
		zone:        zone,
		latestCache: registrycache.FromContext(ctx),
		cacheTTL:    cfg.CacheTTL,
	}
	store.ensureIndexes(ctx)
	return store, nil
}

// pingWithRetry probes liveness with exponential backoff. Exhausting the
// budget is fatal for the caller: the process cannot serve without the store.
func pingWithRetry(ctx context.Context, client *mongo.Client, attempts int) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = client.Ping(ctx, nil); err == nil {
			log.Info("MongoDB connection established")
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		backoff := time.Duration(1<<attempt) * time.Second
		log.Warn("MongoDB ping failed, retrying", "attempt", attempt+1, "backoff", backoff, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &registrystore.ConnectivityError{
		Backend: "mongodb",
		Message: fmt.Sprintf("could not connect after %d attempts: %v", attempts, err),
	}
}

// Store implements registrystore.CallStore on MongoDB.
type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	zone        *timeband.Zone
	latestCache registrycache.LatestCallCache
	cacheTTL    time.Duration
}

func (s *Store) users() *mongo.Collection     { return s.db.Collection("users") }
func (s *Store) workflows() *mongo.Collection { return s.db.Collection("workflows") }
func (s *Store) calls() *mongo.Collection     { return s.db.Collection("calls") }

// Zone returns the civil timezone the store filters and renders in.
func (s *Store) Zone() *timeband.Zone { return s.zone }

// ensureIndexes declares the uniqueness constraints over the three
// collections. Each declaration is independent and best-effort: a failure is
// logged and accepted rather than blocking startup.
func (s *Store) ensureIndexes(ctx context.Context) {
	ensured := true
	unique := func(col *mongo.Collection, keys bson.D) {
		_, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			ensured = false
			log.Error("Failed to ensure unique index", "collection", col.Name(), "err", err)
		}
	}
	unique(s.users(), bson.D{{Key: "user_id", Value: 1}})
	unique(s.workflows(), bson.D{{Key: "user_id", Value: 1}, {Key: "workflow_id", Value: 1}})
	unique(s.calls(), bson.D{{Key: "user_id", Value: 1}, {Key: "workflow_id", Value: 1}, {Key: "call_id", Value: 1}})
	if ensured {
		log.Info("MongoDB indexes ensured for users/workflows/calls")
	}
}

// Close releases the shared client handle.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// --- Ancestor upsert protocol ---

// upsertOne upserts with one retry on a duplicate-key error. Two concurrent
// upserts of the same identity can both decide to insert; the loser hits the
// unique index, and its retry matches the winner's document.
func upsertOne(ctx context.Context, col *mongo.Collection, filter, update bson.M) (*mongo.UpdateResult, error) {
	res, err := col.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		res, err = col.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	}
	return res, err
}

// ensureAncestors idempotently upserts the User and then the Workflow
// document. Existing ancestors get their updated_at refreshed; that
// last-touched bookkeeping is intentional, not an error.
func (s *Store) ensureAncestors(ctx context.Context, userID, workflowID, now string) error {
	_, err := upsertOne(ctx, s.users(),
		bson.M{"user_id": userID},
		bson.M{
			"$setOnInsert": bson.M{"user_id": userID, "created_at": now},
			"$set":         bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", userID, err)
	}
	_, err = upsertOne(ctx, s.workflows(),
		bson.M{"user_id": userID, "workflow_id": workflowID},
		bson.M{
			"$setOnInsert": bson.M{"user_id": userID, "workflow_id": workflowID, "created_at": now},
			"$set":         bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return fmt.Errorf("ensure workflow %s/%s: %w", userID, workflowID, err)
	}
	return nil
}

// --- Shared document plumbing ---

type callDoc struct {
	UserID     string          `bson:"user_id"`
	WorkflowID string          `bson:"workflow_id"`
	CallID     string          `bson:"call_id"`
	Metadata   any             `bson:"metadata"`
	Messages   []model.Message `bson:"messages"`
	CreatedAt  any             `bson:"created_at"`
	UpdatedAt  any             `bson:"updated_at"`
}

// touchstone is the call-level timestamp used for range filtering.
func (d *callDoc) touchstone() any {
	if d.UpdatedAt != nil {
		return d.UpdatedAt
	}
	return d.CreatedAt
}

func (s *Store) callInWindow(d *callDoc, window timeband.Range) bool {
	return s.zone.InRange(window, d.touchstone())
}

func identityFilter(q registrystore.Query) bson.M {
	f := bson.M{"user_id": q.UserID}
	if q.WorkflowID != "" {
		f["workflow_id"] = q.WorkflowID
	}
	if q.CallID != "" {
		f["call_id"] = q.CallID
	}
	return f
}

// findInWindow fetches all calls matching the identity filter and keeps those
// whose call-level timestamp falls inside the window.
func (s *Store) findInWindow(ctx context.Context, q registrystore.Query, projection bson.M) ([]callDoc, error) {
	cursor, err := s.calls().Find(ctx, identityFilter(q), options.Find().SetProjection(projection))
	if err != nil {
		return nil, fmt.Errorf("find calls: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []callDoc
	for cursor.Next(ctx) {
		var d callDoc
		if err := cursor.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode call: %w", err)
		}
		if s.callInWindow(&d, q.Window) {
			docs = append(docs, d)
		}
	}
	return docs, cursor.Err()
}

// findLatest returns the call with the greatest (updated_at, created_at)
// under the workflow, or nil when the workflow has no calls.
func (s *Store) findLatest(ctx context.Context, userID, workflowID string, projection bson.M) (*callDoc, error) {
	var d callDoc
	err := s.calls().FindOne(ctx,
		bson.M{"user_id": userID, "workflow_id": workflowID},
		options.FindOne().
			SetProjection(projection).
			SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "created_at", Value: -1}}),
	).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest call: %w", err)
	}
	return &d, nil
}

func (s *Store) invalidateLatest(ctx context.Context, userID, workflowID string) {
	if s.latestCache == nil || !s.latestCache.Available() {
		return
	}
	if err := s.latestCache.Remove(ctx, userID, workflowID); err != nil {
		log.Warn("Failed to invalidate latest-call cache", "user", userID, "workflow", workflowID, "err", err)
	}
}

var _ registrystore.CallStore = (*Store)(nil)
