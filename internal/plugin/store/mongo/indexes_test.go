package mongo

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxline/calldata-service/internal/testutil/testmongo"
	"github.com/voxline/calldata-service/internal/timeband"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestEnsureIndexes_SuccessLogOnlyWhenAllEnsured(t *testing.T) {
	dbURL := testmongo.StartMongo(t)
	ctx := context.Background()

	client, err := mongo.Connect(options.Client().ApplyURI(dbURL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	zone, err := timeband.LoadZone("Asia/Kolkata")
	require.NoError(t, err)

	clean := &Store{client: client, db: client.Database("call_data_idx_clean"), zone: zone}
	buf := captureLog(t)
	clean.ensureIndexes(ctx)
	assert.Contains(t, buf.String(), "indexes ensured")

	// A pre-existing non-unique index on the same keys makes the unique
	// declaration fail with an options conflict; the success line must not
	// be emitted then.
	conflicted := &Store{client: client, db: client.Database("call_data_idx_conflict"), zone: zone}
	_, err = conflicted.users().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	require.NoError(t, err)

	buf = captureLog(t)
	conflicted.ensureIndexes(ctx)
	assert.Contains(t, buf.String(), "Failed to ensure unique index")
	assert.NotContains(t, buf.String(), "indexes ensured")
}
