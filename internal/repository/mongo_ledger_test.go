//go:build integration

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func newTestMongoLedger(t *testing.T) *MongoLedger {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		t.Fatalf("mongo not available at %s: %v", uri, err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	coll := client.Database("storagequota_test").Collection("users")
	require.NoError(t, coll.Drop(ctx))

	ledger := NewMongoLedger(coll)
	require.NoError(t, ledger.EnsureIndexes(ctx))
	return ledger
}

func TestMongoLedger_Contract(t *testing.T) {
	ledger := newTestMongoLedger(t)
	runLedgerContract(t, ledger, func(t *testing.T, userID string, body map[string]interface{}) string {
		rec, err := ledger.CreateUser(context.Background(), userID, body)
		require.NoError(t, err)
		return rec.RecordID
	})
}

func TestMongoLedger_DocumentWithoutRevision(t *testing.T) {
	ledger := newTestMongoLedger(t)
	ctx := context.Background()

	_, err := ledger.coll.InsertOne(ctx, bson.M{
		"_id":     primitive.NewObjectID(),
		"user_id": "identity-user",
		"email":   "identity-user@example.com",
	})
	require.NoError(t, err)

	rec, err := ledger.FindUserByID(ctx, "identity-user")
	require.NoError(t, err)

	doc, rev, err := ledger.GetDocument(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.Empty(t, rev)

	doc.Body["quota"] = map[string]interface{}{"limit_bytes": 1000}
	next, err := ledger.PutDocument(ctx, doc, rev)
	require.NoError(t, err)
	assert.NotEmpty(t, next)

	_, err = ledger.PutDocument(ctx, doc, "")
	assert.ErrorIs(t, err, ErrRevisionConflict)

	got, gotRev, err := ledger.GetDocument(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.Equal(t, next, gotRev)
	assert.Equal(t, "identity-user@example.com", got.Body["email"])
	assert.Contains(t, got.Body, "quota")
}
