package mongo

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/normalizer"
)

func TestNewWriterStripsOptions(t *testing.T) {
	uri, err := url.Parse("mongodb://localhost:27017/ezmesure?collection=counter5&batch_size=2&authSource=admin")
	require.NoError(t, err)

	w, err := NewWriter(uri, nil)
	require.NoError(t, err)
	assert.Equal(t, "ezmesure", w.database)
	assert.Equal(t, "counter5", w.collection)
	assert.Equal(t, 2, w.batchSize)
	assert.Equal(t, "mongodb://localhost:27017/ezmesure?authSource=admin", w.uri)

	uri, err = url.Parse("mongodb://localhost:27017/ezmesure")
	require.NoError(t, err)
	w, err = NewWriter(uri, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCollection, w.collection)
	assert.Equal(t, DefaultBatchSize, w.batchSize)

	for _, raw := range []string{
		"mongodb://localhost:27017",
		"mongodb://localhost:27017/ezmesure?batch_size=0",
		"mongodb://localhost:27017/ezmesure?batch_size=many",
	} {
		uri, err := url.Parse(raw)
		require.NoError(t, err)
		_, err = NewWriter(uri, nil)
		assert.Error(t, err, raw)
	}
}

func TestWriterRequiresConnect(t *testing.T) {
	uri, err := url.Parse("mongodb://localhost:27017/ezmesure")
	require.NoError(t, err)
	w, err := NewWriter(uri, nil)
	require.NoError(t, err)

	_, err = w.Write(context.Background(), []normalizer.Record{{Fingerprint: "a"}})
	assert.Error(t, err)
	assert.NoError(t, w.Close(context.Background()))
}

func records(n int, count int64) []normalizer.Record {
	out := make([]normalizer.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, normalizer.Record{
			Fingerprint:  fmt.Sprintf("fp-%d", i),
			JobID:        "job-1",
			CredentialID: "cred-1",
			ReportID:     "tr",
			Release:      "5",
			Month:        "2024-03",
			Date:         time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
			Title:        fmt.Sprintf("Title %d", i),
			Platform:     "Platform",
			MetricType:   "Total_Item_Requests",
			Count:        count,
		})
	}
	return out
}

func TestIntegrationMongoWriter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx,
		"mongo:6",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate mongoContainer: %s", err)
		}
	})

	connStr, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	// counts must be positive, which lets a single document fail the batch
	admin, err := mongo.Connect(ctx, options.Client().ApplyURI(connStr))
	require.NoError(t, err)
	defer admin.Disconnect(ctx)
	err = admin.Database("ezmesure").CreateCollection(ctx, "usage",
		options.CreateCollection().SetValidator(bson.M{
			"$jsonSchema": bson.M{
				"bsonType": "object",
				"properties": bson.M{
					"Count": bson.M{"bsonType": "long", "minimum": 0},
				},
			},
		}))
	require.NoError(t, err)

	uri, err := url.Parse(connStr)
	require.NoError(t, err)
	uri.Path = "/ezmesure"
	q := uri.Query()
	q.Set("batch_size", "2")
	uri.RawQuery = q.Encode()

	w, err := NewWriter(uri, nil)
	require.NoError(t, err)
	require.NoError(t, w.Connect(ctx))
	t.Cleanup(func() { _ = w.Close(ctx) })

	summary, err := w.Write(ctx, records(5, 3))
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Inserted)
	assert.Equal(t, 0, summary.Updated)
	assert.NoError(t, summary.Err())

	// a rewrite replaces the documents
	summary, err = w.Write(ctx, records(5, 7))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Inserted)
	assert.Equal(t, 5, summary.Updated)

	coll := admin.Database("ezmesure").Collection("usage")
	n, err := coll.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	var doc bson.M
	require.NoError(t, coll.FindOne(ctx, bson.D{{Key: "_id", Value: "fp-3"}}).Decode(&doc))
	assert.EqualValues(t, 7, doc["Count"])
	assert.Equal(t, "job-1", doc["harvestJobId"])

	batch := records(3, 1)
	batch[1].Count = -1
	batch[1].Fingerprint = "fp-bad"
	summary, err = w.Write(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "fp-bad", summary.Errors[0].Fingerprint)
	assert.ErrorIs(t, summary.Err(), normalizer.ErrPartialWrite)

	stats := w.Stats()
	assert.True(t, stats.Connected)
	assert.EqualValues(t, 5, stats.Inserted)
	assert.EqualValues(t, 1, stats.Failed)
}
