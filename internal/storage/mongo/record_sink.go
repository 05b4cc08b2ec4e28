// Package mongo persists normalized records into MongoDB, one collection per
// source and record kind.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

const keyField = "natural_key"

// Config captures the MongoDB connection settings.
type Config struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// RecordSink upserts records by natural key. Each collection gets a unique
// index on natural_key the first time it is written.
type RecordSink struct {
	db      *mongo.Database
	logger  *zap.Logger
	now     func() time.Time
	ensured sync.Map
}

// NewRecordSink writes into db.
func NewRecordSink(db *mongo.Database, logger *zap.Logger) *RecordSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordSink{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Upsert replaces the record's fields, keeping first_seen_at from the first write.
func (s *RecordSink) Upsert(
	ctx context.Context,
	collection, naturalKey string,
	fields map[string]string,
) (crawler.UpsertResult, error) {
	if collection == "" || naturalKey == "" {
		return 0, crawler.Errorf(crawler.KindPersistenceRejected, "upsert", "collection and natural key are required")
	}
	coll := s.db.Collection(collection)
	if err := s.ensureIndex(ctx, coll); err != nil {
		return 0, err
	}

	now := s.now()
	set := bson.M{keyField: naturalKey, "updated_at": now}
	for k, v := range fields {
		if k == keyField || k == "_id" {
			continue
		}
		set[k] = v
	}
	filter := bson.M{keyField: naturalKey}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"first_seen_at": now},
	}

	res, err := coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// Another writer inserted the key between our match and insert.
		s.logger.Debug("upsert raced, retrying as update",
			zap.String("collection", collection), zap.String("natural_key", naturalKey))
		res, err = coll.UpdateOne(ctx, filter, update)
	}
	if err != nil {
		return 0, classify(naturalKey, err)
	}
	if res.UpsertedCount > 0 {
		return crawler.UpsertInserted, nil
	}
	return crawler.UpsertUpdated, nil
}

func (s *RecordSink) ensureIndex(ctx context.Context, coll *mongo.Collection) error {
	if _, ok := s.ensured.Load(coll.Name()); ok {
		return nil
	}
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: keyField, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_" + keyField),
	}
	if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
		return classify(coll.Name(), fmt.Errorf("create index: %w", err))
	}
	s.ensured.Store(coll.Name(), struct{}{})
	return nil
}

func classify(ref string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("upsert %s: %w", ref, err)
	case mongo.IsDuplicateKeyError(err):
		return crawler.NewError(crawler.KindPersistenceConflict, "upsert", ref, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return crawler.NewError(crawler.KindPersistenceConnectivity, "upsert", ref, err)
	default:
		var srvErr mongo.ServerError
		if errors.As(err, &srvErr) {
			return crawler.NewError(crawler.KindPersistenceRejected, "upsert", ref, err)
		}
		return crawler.NewError(crawler.KindPersistenceConnectivity, "upsert", ref, err)
	}
}
