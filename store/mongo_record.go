package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/memtier/types"
)

// MongoRecordConfig configures the MongoDB record tier.
type MongoRecordConfig struct {
	// Connection URI.
	URI string `yaml:"uri" json:"uri"`

	// Database name.
	Database string `yaml:"database" json:"database"`

	// Per-operation timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultMongoRecordConfig returns the default record tier configuration.
func DefaultMongoRecordConfig() MongoRecordConfig {
	return MongoRecordConfig{
		URI:      "mongodb://localhost:27017",
		Database: "memtier",
		Timeout:  10 * time.Second,
	}
}

// MongoRecord is the MongoDB-backed RecordTier. Documents are addressed by
// "collection/id" paths with the id stored as _id.
type MongoRecord struct {
	client *mongo.Client
	db     *mongo.Database
	config MongoRecordConfig
	logger *zap.Logger
}

// NewMongoRecord creates a Mongo record tier and verifies connectivity.
func NewMongoRecord(config MongoRecordConfig, logger *zap.Logger) (*MongoRecord, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	r := &MongoRecord{
		client: client,
		db:     client.Database(config.Database),
		config: config,
		logger: logger.With(zap.String("component", "record_tier")),
	}

	r.logger.Info("mongo record tier initialized",
		zap.String("database", config.Database),
	)

	return r, nil
}

// Save writes doc at path, replacing any existing document.
func (r *MongoRecord) Save(ctx context.Context, path string, doc any) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	m["_id"] = id

	_, err = r.db.Collection(collection).ReplaceOne(ctx,
		bson.M{"_id": id}, m, options.Replace().SetUpsert(true))
	if err != nil {
		r.logger.Error("record save failed", zap.String("path", path), zap.Error(err))
		return types.NewError(types.ErrTierUnavailable, "record save failed").
			WithTier("record").WithCause(err)
	}
	return nil
}

// Get loads the document at path into dest.
func (r *MongoRecord) Get(ctx context.Context, path string, dest any) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = r.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(dest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("document %s not found", path))
	}
	if err != nil {
		return types.NewError(types.ErrTierUnavailable, "record get failed").
			WithTier("record").WithCause(err)
	}
	return nil
}

// Delete removes the document at path.
func (r *MongoRecord) Delete(ctx context.Context, path string) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	if _, err := r.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return types.NewError(types.ErrTierUnavailable, "record delete failed").
			WithTier("record").WithCause(err)
	}
	return nil
}

// Query loads up to limit documents matching all filters into dest.
func (r *MongoRecord) Query(ctx context.Context, collection string, filters []Filter, limit int, dest any) error {
	query := bson.M{}
	for _, f := range filters {
		switch f.Op {
		case FilterEq, FilterContains:
			// Mongo equality on an array field matches any element.
			query[f.Field] = f.Value
		case FilterLt:
			query[f.Field] = bson.M{"$lt": f.Value}
		case FilterGt:
			query[f.Field] = bson.M{"$gt": f.Value}
		default:
			return types.NewError(types.ErrValidation, fmt.Sprintf("unsupported filter op %q", f.Op))
		}
	}

	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.db.Collection(collection).Find(ctx, query, opts)
	if err != nil {
		return types.NewError(types.ErrTierUnavailable, "record query failed").
			WithTier("record").WithCause(err)
	}
	defer cursor.Close(ctx)

	if err := cursor.All(ctx, dest); err != nil {
		return types.NewError(types.ErrTierUnavailable, "record cursor decode failed").
			WithTier("record").WithCause(err)
	}
	return nil
}

// Count returns the number of documents in collection.
func (r *MongoRecord) Count(ctx context.Context, collection string) (int, error) {
	n, err := r.db.Collection(collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, types.NewError(types.ErrTierUnavailable, "record count failed").
			WithTier("record").WithCause(err)
	}
	return int(n), nil
}

// Collections lists the known collection names.
func (r *MongoRecord) Collections(ctx context.Context) ([]string, error) {
	names, err := r.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, types.NewError(types.ErrTierUnavailable, "record collection listing failed").
			WithTier("record").WithCause(err)
	}
	return names, nil
}

// Close disconnects from MongoDB.
func (r *MongoRecord) Close(ctx context.Context) error {
	r.logger.Info("closing record tier")
	return r.client.Disconnect(ctx)
}
