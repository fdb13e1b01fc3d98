package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/normalizer"
)

const (
	DefaultCollection = "usage"
	DefaultBatchSize  = 500
)

type Stats struct {
	Connected   bool      `json:"connected"`
	Database    string    `json:"database"`
	Collection  string    `json:"collection"`
	Batches     int64     `json:"batches"`
	Inserted    int64     `json:"inserted"`
	Updated     int64     `json:"updated"`
	Failed      int64     `json:"failed"`
	LastError   string    `json:"last_error,omitempty"`
	LastWriteAt time.Time `json:"last_write_at,omitempty"`
}

// Writer upserts normalized records into a MongoDB collection, one document
// per fingerprint. Rewriting a report replaces its documents in place.
type Writer struct {
	uri        string
	database   string
	collection string
	batchSize  int
	logger     *zap.Logger

	client *mongo.Client
	coll   *mongo.Collection

	statsMu sync.RWMutex
	stats   Stats
}

// NewWriter accepts mongodb://host:27017/ezmesure?collection=usage&batch_size=500.
// collection and batch_size are stripped before the URI reaches the driver.
func NewWriter(uri *url.URL, logger *zap.Logger) (*Writer, error) {
	database := strings.TrimPrefix(uri.Path, "/")
	if database == "" {
		return nil, fmt.Errorf("database must be specified in URL path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := uri.Query()
	collection := q.Get("collection")
	if collection == "" {
		collection = DefaultCollection
	}
	batchSize := DefaultBatchSize
	if raw := q.Get("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid batch_size %q", raw)
		}
		batchSize = n
	}
	q.Del("collection")
	q.Del("batch_size")

	clean := *uri
	clean.RawQuery = q.Encode()

	return &Writer{
		uri:        clean.String(),
		database:   database,
		collection: collection,
		batchSize:  batchSize,
		logger:     logger.Named("mongo"),
		stats: Stats{
			Database:   database,
			Collection: collection,
		},
	}, nil
}

func (w *Writer) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(w.uri))
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("ping: %w", err)
	}

	coll := client.Database(w.database).Collection(w.collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "credentialId", Value: 1}, {Key: "reportId", Value: 1}, {Key: "month", Value: 1}}},
		{Keys: bson.D{{Key: "harvestJobId", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("create indexes: %w", err)
	}

	w.client = client
	w.coll = coll

	w.statsMu.Lock()
	w.stats.Connected = true
	w.statsMu.Unlock()

	w.logger.Info("mongo writer connected",
		zap.String("database", w.database),
		zap.String("collection", w.collection))
	return nil
}

// Write upserts the records in unordered batches. A batch failing as a whole
// fails the call; rejected documents are reported in the summary.
func (w *Writer) Write(ctx context.Context, records []normalizer.Record) (normalizer.WriteSummary, error) {
	var summary normalizer.WriteSummary
	if w.coll == nil {
		return summary, fmt.Errorf("mongo writer is not connected")
	}

	for start := 0; start < len(records); start += w.batchSize {
		end := min(start+w.batchSize, len(records))
		batch, err := w.writeBatch(ctx, records[start:end])
		summary.Add(batch)
		w.record(batch, err)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (w *Writer) writeBatch(ctx context.Context, records []normalizer.Record) (normalizer.WriteSummary, error) {
	var summary normalizer.WriteSummary

	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: r.Fingerprint}}).
			SetReplacement(r).
			SetUpsert(true))
	}

	res, err := w.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if res != nil {
		summary.Inserted = int(res.UpsertedCount)
		summary.Updated = int(res.MatchedCount)
	}
	if err == nil {
		return summary, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 || bwe.WriteConcernError != nil {
		return summary, err
	}
	for _, we := range bwe.WriteErrors {
		fp := ""
		if we.Index >= 0 && we.Index < len(records) {
			fp = records[we.Index].Fingerprint
		}
		summary.Errors = append(summary.Errors, normalizer.RecordError{Fingerprint: fp, Message: we.Message})
	}
	summary.Failed = len(bwe.WriteErrors)
	return summary, nil
}

func (w *Writer) record(s normalizer.WriteSummary, err error) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.Batches++
	w.stats.Inserted += int64(s.Inserted)
	w.stats.Updated += int64(s.Updated)
	w.stats.Failed += int64(s.Failed)
	w.stats.LastWriteAt = time.Now()
	switch {
	case err != nil:
		w.stats.LastError = err.Error()
	case len(s.Errors) > 0:
		w.stats.LastError = s.Errors[0].Message
	}
}

func (w *Writer) Stats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}

func (w *Writer) Close(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	w.statsMu.Lock()
	w.stats.Connected = false
	w.statsMu.Unlock()
	return w.client.Disconnect(ctx)
}
