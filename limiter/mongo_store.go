package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultMongoCollection is the collection used when none is configured.
const DefaultMongoCollection = "rate_limit_records"

// mongoRecord is the document layout of a rate record.
type mongoRecord struct {
	Key         string    `bson:"_id"`
	Count       int64     `bson:"count"`
	WindowStart int64     `bson:"window_start"` // unix milliseconds
	WindowMs    int64     `bson:"window_ms"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

func (d mongoRecord) record() Record {
	return Record{
		Count:       d.Count,
		WindowStart: time.UnixMilli(d.WindowStart),
		Window:      time.Duration(d.WindowMs) * time.Millisecond,
	}
}

// MongoStore implements the Store interface on a MongoDB collection.
// Increment is a single findOneAndUpdate with a pipeline update, which MongoDB
// applies atomically to the one document holding the key.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a store on the given collection.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the TTL index that lets MongoDB drop records passively
// once their window is over.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("expires_at_ttl"),
	})
	if err != nil {
		return fmt.Errorf("%w: mongo ensure indexes: %w", ErrStoreUnavailable, err)
	}
	log.Info().Str("collection", s.coll.Name()).Msg("mongo rate limit indexes ready")
	return nil
}

// incrementPipeline builds the update applied by Increment.
// A missing window_start is treated as 0, which always reads as expired.
func incrementPipeline(nowMs, windowMs int64) mongo.Pipeline {
	expired := bson.D{{Key: "$gt", Value: bson.A{
		bson.D{{Key: "$subtract", Value: bson.A{nowMs, bson.D{{Key: "$ifNull", Value: bson.A{"$window_start", 0}}}}}},
		windowMs,
	}}}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "count", Value: bson.D{{Key: "$cond", Value: bson.A{expired, 1, bson.D{{Key: "$add", Value: bson.A{"$count", 1}}}}}}},
			{Key: "window_start", Value: bson.D{{Key: "$cond", Value: bson.A{expired, nowMs, "$window_start"}}}},
			{Key: "window_ms", Value: windowMs},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "expires_at", Value: bson.D{{Key: "$toDate", Value: bson.D{{Key: "$add", Value: bson.A{"$window_start", "$window_ms"}}}}}},
		}}},
	}
}

// Increment implements the Store interface for MongoDB storage.
func (s *MongoStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	update := incrementPipeline(now.UnixMilli(), window.Milliseconds())
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc mongoRecord
	err := s.coll.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: key}}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// two upserts raced to insert the same key; the loser retries as an update
		err = s.coll.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: key}}, update, opts).Decode(&doc)
	}
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("mongo find-and-update failed")
		return Record{}, fmt.Errorf("%w: mongo increment for key %s: %w", ErrStoreUnavailable, key, err)
	}

	rec := doc.record()
	rec.Window = window
	return rec, nil
}

// Get implements the Store interface for MongoDB storage.
func (s *MongoStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var doc mongoRecord
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: mongo get for key %s: %w", ErrStoreUnavailable, key, err)
	}
	return doc.record(), true, nil
}

// Delete implements the Store interface for MongoDB storage.
func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return fmt.Errorf("%w: mongo delete for key %s: %w", ErrStoreUnavailable, key, err)
	}
	return nil
}

// DeleteExpired implements the Store interface for MongoDB storage.
// The TTL monitor only runs once a minute, so the sweep removes stragglers eagerly.
func (s *MongoStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}}})
	if err != nil {
		return 0, fmt.Errorf("%w: mongo sweep: %w", ErrStoreUnavailable, err)
	}
	return int(res.DeletedCount), nil
}

var _ Store = (*MongoStore)(nil)
