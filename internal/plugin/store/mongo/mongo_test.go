package mongo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxline/calldata-service/internal/config"
	"github.com/voxline/calldata-service/internal/model"
	"github.com/voxline/calldata-service/internal/plugin/store/mongo"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	"github.com/voxline/calldata-service/internal/testutil/testmongo"
	"github.com/voxline/calldata-service/internal/timeband"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodrv "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func setupTestStore(t *testing.T) (registrystore.CallStore, context.Context) {
	t.Helper()
	store, ctx, _ := setupTestStoreWithDB(t)
	return store, ctx
}

func setupTestStoreWithDB(t *testing.T) (registrystore.CallStore, context.Context, string) {
	t.Helper()

	dbURL := testmongo.StartMongo(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	cfg.DBName = "call_data_test"
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure the mongo store plugin is registered
	_ = mongo.ForceImport

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	return store, ctx, dbURL
}

// countDocs counts documents through a separate client so the assertions see
// exactly what the store persisted.
func countDocs(t *testing.T, dbURL, collection string) int64 {
	t.Helper()
	ctx := context.Background()
	client, err := mongodrv.Connect(mongooptions.Client().ApplyURI(dbURL))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(ctx) }()

	n, err := client.Database("call_data_test").Collection(collection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	return n
}

// today returns the current calendar date in the store's civil zone, shifted
// by days, formatted as a date-only bound.
func today(t *testing.T, days int) string {
	t.Helper()
	zone, err := timeband.LoadZone("Asia/Kolkata")
	require.NoError(t, err)
	return zone.Now().AddDate(0, 0, days).Format("2006-01-02")
}

func window(t *testing.T, start, end string) timeband.Range {
	t.Helper()
	zone, err := timeband.LoadZone("Asia/Kolkata")
	require.NoError(t, err)
	r, err := zone.NewRange(start, end)
	require.NoError(t, err)
	return r
}

func TestLoad_RequiresDBURL(t *testing.T) {
	cfg := config.DefaultConfig()
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)

	_, err = loader(ctx)
	var cfgErr *registrystore.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "db-url", cfgErr.Setting)
}

func TestLoad_UnreachableServerIsConnectivityError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBURL = "mongodb://127.0.0.1:1/?directConnection=true"
	cfg.DBConnectAttempts = 1
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)

	_, err = loader(ctx)
	var connErr *registrystore.ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "mongodb", connErr.Backend)
}

func TestAddMetadata_CreatedFlag(t *testing.T) {
	store, ctx := setupTestStore(t)

	created, err := store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"agent": "riya"}, model.MergeModeMerge)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"agent": "riya"}, model.MergeModeMerge)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAddMetadata_ConcurrentCreateSingleCallDocument(t *testing.T) {
	store, ctx, dbURL := setupTestStoreWithDB(t)

	// Two writers race to create the same not-yet-existing call. The unique
	// index must collapse them onto one document carrying both merges.
	payloads := []map[string]any{{"first": "1"}, {"second": "2"}}
	errs := make([]error, len(payloads))
	var wg sync.WaitGroup
	for i := range payloads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.AddMetadata(ctx, "u1", "wf1", "c1", payloads[i], model.MergeModeMerge)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), countDocs(t, dbURL, "calls"))
	assert.Equal(t, int64(1), countDocs(t, dbURL, "users"))
	assert.Equal(t, int64(1), countDocs(t, dbURL, "workflows"))

	calls, err := store.GetMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	meta, ok := calls[0].Metadata.(bson.M)
	require.True(t, ok)
	assert.Equal(t, "1", meta["first"])
	assert.Equal(t, "2", meta["second"])
}

func TestEnsureAncestors_DuplicateWritesKeepSingleDocuments(t *testing.T) {
	store, ctx, dbURL := setupTestStoreWithDB(t)

	_, err := store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"n": "1"}, model.MergeModeMerge)
	require.NoError(t, err)
	_, err = store.AddMetadata(ctx, "u1", "wf1", "c2", map[string]any{"n": "2"}, model.MergeModeMerge)
	require.NoError(t, err)
	_, _, err = store.AddConversation(ctx, "u1", "wf1", "c3", []model.Message{{"text": "hi"}})
	require.NoError(t, err)

	assert.Equal(t, int64(1), countDocs(t, dbURL, "users"))
	assert.Equal(t, int64(1), countDocs(t, dbURL, "workflows"))
	assert.Equal(t, int64(3), countDocs(t, dbURL, "calls"))
}

func TestAddMetadata_MergePreservesSiblings(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"agent": "riya", "lang": "hi"}, model.MergeModeMerge)
	require.NoError(t, err)
	_, err = store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"lang": "en", "extra": "x"}, model.MergeModeMerge)
	require.NoError(t, err)

	calls, err := store.GetMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	require.Len(t, calls, 1)

	meta, ok := calls[0].Metadata.(bson.M)
	require.True(t, ok, "metadata should decode as a map, got %T", calls[0].Metadata)
	assert.Equal(t, "riya", meta["agent"])
	assert.Equal(t, "en", meta["lang"])
	assert.Equal(t, "x", meta["extra"])
}

func TestAddMetadata_ReplaceDropsSiblings(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"agent": "riya", "lang": "hi"}, model.MergeModeMerge)
	require.NoError(t, err)
	_, err = store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"lang": "en"}, model.MergeModeReplace)
	require.NoError(t, err)

	calls, err := store.GetMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	require.Len(t, calls, 1)

	meta, ok := calls[0].Metadata.(bson.M)
	require.True(t, ok)
	assert.Equal(t, "en", meta["lang"])
	assert.NotContains(t, meta, "agent")
}

func TestAddMetadata_NonMapStoredVerbatim(t *testing.T) {
	store, ctx := setupTestStore(t)

	// Merge mode with a non-map degrades to a whole-field overwrite.
	_, err := store.AddMetadata(ctx, "u1", "wf1", "c1", "free-form note", model.MergeModeMerge)
	require.NoError(t, err)

	calls, err := store.GetMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "free-form note", calls[0].Metadata)
}

func TestGetMetadata_SingleCallNotFound(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.GetMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "missing"})
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestGetMetadata_WindowExcludesCall(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"agent": "riya"}, model.MergeModeMerge)
	require.NoError(t, err)

	// A window far in the past excludes the freshly touched call.
	q := registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1", Window: window(t, "2000-01-01", "2000-01-02")}
	_, err = store.GetMetadata(ctx, q)
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)

	// The window spanning today includes it.
	q.Window = window(t, today(t, -1), today(t, 1))
	calls, err := store.GetMetadata(ctx, q)
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestGetMetadata_UserLevelSpansWorkflows(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"n": "1"}, model.MergeModeMerge)
	require.NoError(t, err)
	_, err = store.AddMetadata(ctx, "u1", "wf2", "c2", map[string]any{"n": "2"}, model.MergeModeMerge)
	require.NoError(t, err)
	_, err = store.AddMetadata(ctx, "u2", "wf1", "c3", map[string]any{"n": "3"}, model.MergeModeMerge)
	require.NoError(t, err)

	calls, err := store.GetMetadata(ctx, registrystore.Query{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "u1", c.UserID)
	}
}

func TestGetLatestMetadata(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.AddMetadata(ctx, "u1", "wf1", "first", map[string]any{"n": "1"}, model.MergeModeMerge)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond) // ensure distinct updated_at
	_, err = store.AddMetadata(ctx, "u1", "wf1", "second", map[string]any{"n": "2"}, model.MergeModeMerge)
	require.NoError(t, err)

	latest, err := store.GetLatestMetadata(ctx, "u1", "wf1")
	require.NoError(t, err)
	assert.Equal(t, "second", latest.CallID)

	// Touching the first call makes it the latest again.
	time.Sleep(10 * time.Millisecond)
	_, err = store.AddMetadata(ctx, "u1", "wf1", "first", map[string]any{"n": "1b"}, model.MergeModeMerge)
	require.NoError(t, err)

	latest, err = store.GetLatestMetadata(ctx, "u1", "wf1")
	require.NoError(t, err)
	assert.Equal(t, "first", latest.CallID)
}

func TestGetLatestMetadata_EmptyWorkflow(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.GetLatestMetadata(ctx, "u1", "empty")
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDeleteMetadata_KeepsCallAndMessages(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, _, err := store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{{"text": "hi"}})
	require.NoError(t, err)
	_, err = store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"agent": "riya"}, model.MergeModeMerge)
	require.NoError(t, err)

	res, err := store.DeleteMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.MatchedCalls)
	assert.Equal(t, int64(1), res.ModifiedCalls)

	calls, err := store.GetMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Metadata)

	convs, err := store.GetConversation(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"}, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Len(t, convs[0].Messages, 1)
}

func TestDeleteMetadata_SingleCallMiss(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.DeleteMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "missing"})
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDeleteMetadata_BroadMissIsEmptySuccess(t *testing.T) {
	store, ctx := setupTestStore(t)

	res, err := store.DeleteMetadata(ctx, registrystore.Query{UserID: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.MatchedCalls)
	assert.Equal(t, int64(0), res.ModifiedCalls)
}

func TestAddConversation_AppendOrder(t *testing.T) {
	store, ctx := setupTestStore(t)

	n, created, err := store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{
		{"role": "user", "text": "hi"},
		{"role": "agent", "text": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, created)

	n, created, err = store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{
		{"role": "user", "text": "bye"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, created)

	convs, err := store.GetConversation(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"}, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 3)
	assert.Equal(t, "hi", convs[0].Messages[0]["text"])
	assert.Equal(t, "hello", convs[0].Messages[1]["text"])
	assert.Equal(t, "bye", convs[0].Messages[2]["text"])
}

func TestAddConversation_ThenMetadataOnSameCall(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, created, err := store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{{"text": "hi"}})
	require.NoError(t, err)
	assert.True(t, created)

	created2, err := store.AddMetadata(ctx, "u1", "wf1", "c1", map[string]any{"agent": "riya"}, model.MergeModeMerge)
	require.NoError(t, err)
	assert.False(t, created2)

	calls, err := store.GetMetadata(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	meta, ok := calls[0].Metadata.(bson.M)
	require.True(t, ok)
	assert.Equal(t, "riya", meta["agent"])
}

func TestGetConversation_WindowFiltersMessages(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, _, err := store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{
		{"text": "old", "timestamp": "2025-03-01T10:00:00+05:30"},
		{"text": "inside", "timestamp": "2025-03-10T10:00:00+05:30"},
		{"text": "no-ts"},
		{"text": "new", "timestamp": "2025-03-20T10:00:00+05:30"},
	})
	require.NoError(t, err)

	// The call itself was touched today; widen the call-level window to
	// include it while bounding the message filter.
	q := registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1", Window: window(t, "2025-03-09", today(t, 0))}
	convs, err := store.GetConversation(ctx, q, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	var texts []string
	for _, m := range convs[0].Messages {
		texts = append(texts, m["text"].(string))
	}
	// "old" is before the window; "no-ts" has no usable timestamp and is
	// retained fail-open.
	assert.Equal(t, []string{"inside", "no-ts", "new"}, texts)
}

func TestGetConversation_Limit(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, _, err := store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{
		{"text": "1"}, {"text": "2"}, {"text": "3"},
	})
	require.NoError(t, err)

	convs, err := store.GetConversation(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"}, 2)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 2)
	assert.Equal(t, "1", convs[0].Messages[0]["text"])
	assert.Equal(t, "2", convs[0].Messages[1]["text"])
}

func TestGetLatestConversation(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, _, err := store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{{"text": "a"}})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, _, err = store.AddConversation(ctx, "u1", "wf1", "c2", []model.Message{{"text": "b"}, {"text": "c"}})
	require.NoError(t, err)

	latest, err := store.GetLatestConversation(ctx, "u1", "wf1", 0)
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.CallID)
	assert.Len(t, latest.Messages, 2)

	limited, err := store.GetLatestConversation(ctx, "u1", "wf1", 1)
	require.NoError(t, err)
	assert.Len(t, limited.Messages, 1)
}

func TestGetLatestConversation_EmptyWorkflow(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.GetLatestConversation(ctx, "u1", "empty", 0)
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDeleteConversation_Unbounded(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, _, err := store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{{"text": "a"}, {"text": "b"}})
	require.NoError(t, err)

	res, err := store.DeleteConversation(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.MatchedCalls)
	assert.Equal(t, int64(1), res.ModifiedCalls)
	assert.Equal(t, 2, res.RemovedMessages)

	// The call survives with an empty transcript.
	convs, err := store.GetConversation(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"}, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Empty(t, convs[0].Messages)

	// Deleting again matches but modifies nothing.
	res, err = store.DeleteConversation(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.MatchedCalls)
	assert.Equal(t, int64(0), res.ModifiedCalls)
	assert.Equal(t, 0, res.RemovedMessages)
}

func TestDeleteConversation_RangedKeepsOutOfWindow(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, _, err := store.AddConversation(ctx, "u1", "wf1", "c1", []model.Message{
		{"text": "old", "timestamp": "2025-03-01T10:00:00+05:30"},
		{"text": "inside", "timestamp": "2025-03-10T10:00:00+05:30"},
		{"text": "no-ts"},
	})
	require.NoError(t, err)

	q := registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1", Window: window(t, "2025-03-09", today(t, 0))}
	res, err := store.DeleteConversation(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ModifiedCalls)
	assert.Equal(t, 1, res.RemovedMessages)

	convs, err := store.GetConversation(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "c1"}, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	var texts []string
	for _, m := range convs[0].Messages {
		texts = append(texts, m["text"].(string))
	}
	// A ranged delete never removes timestamp-less messages.
	assert.Equal(t, []string{"old", "no-ts"}, texts)
}

func TestDeleteConversation_SingleCallMiss(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.DeleteConversation(ctx, registrystore.Query{UserID: "u1", WorkflowID: "wf1", CallID: "missing"})
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.True(t, errors.As(err, &nf))
}
