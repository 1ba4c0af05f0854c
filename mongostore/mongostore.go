// Package mongostore implements leaselock.Backend on MongoDB.
//
// A lock is a document {_id: key, token, expiration_time}. Writes are single
// document updates whose filters carry the token and expiry checks, evaluated
// against the server clock ($$NOW). A TTL index created by EnsureIndexes lets
// MongoDB purge abandoned locks.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/companyinfo/leaselock"
)

const (
	DefaultDatabase   string = "distributed_lock"
	DefaultCollection string = "locks"
	DefaultTTLField   string = "expiration_time"

	tokenField = "token"
)

// Option configures a Store.
type Option func(*Store)

// WithDatabase sets the database holding the lock collection.
func WithDatabase(name string) Option {
	return func(s *Store) {
		s.database = name
	}
}

// WithCollection sets the lock collection.
func WithCollection(name string) Option {
	return func(s *Store) {
		s.collection = name
	}
}

// WithTTLField sets the field storing the expiration time.
func WithTTLField(name string) Option {
	return func(s *Store) {
		s.ttlField = name
	}
}

// Store is a leaselock.Backend on a MongoDB collection.
type Store struct {
	client     *mongo.Client
	database   string
	collection string
	ttlField   string
}

// New creates a new Store using client.
func New(client *mongo.Client, opts ...Option) *Store {
	s := &Store{
		client:     client,
		database:   DefaultDatabase,
		collection: DefaultCollection,
		ttlField:   DefaultTTLField,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns leaselock.BackendMongoDB.
func (s *Store) Name() string {
	return leaselock.BackendMongoDB
}

func (s *Store) locks() *mongo.Collection {
	return s.client.Database(s.database).Collection(s.collection)
}

// EnsureIndexes creates the TTL index that removes expired lock documents.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.locks().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: s.ttlField, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create ttl index on %s.%s: %w", s.collection, s.ttlField, err)
	}

	return nil
}

// SetIfAbsent upserts the lock document unless a live one exists. A live
// document makes the upsert collide on _id, which is reported as false.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: key},
		{Key: "$expr", Value: bson.D{{Key: "$lte", Value: bson.A{"$" + s.ttlField, "$$NOW"}}}},
	}

	_, err := s.locks().UpdateOne(ctx, filter, s.leasePipeline(token, ttl), options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// CompareAndDelete deletes the lock document if it holds token and has not expired.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	res, err := s.locks().DeleteOne(ctx, s.ownedFilter(key, token))
	if err != nil {
		return false, err
	}

	return res.DeletedCount == 1, nil
}

// CompareAndExtend moves the expiration of the lock document to ttl from now if
// it holds token and has not expired.
func (s *Store) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := s.locks().UpdateOne(ctx, s.ownedFilter(key, token), s.leasePipeline(token, ttl))
	if err != nil {
		return false, err
	}

	return res.MatchedCount == 1, nil
}

// ownedFilter matches the live lock document of key holding token.
func (s *Store) ownedFilter(key, token string) bson.D {
	return bson.D{
		{Key: "_id", Value: key},
		{Key: tokenField, Value: token},
		{Key: "$expr", Value: bson.D{{Key: "$gt", Value: bson.A{"$" + s.ttlField, "$$NOW"}}}},
	}
}

// leasePipeline sets token and an expiration ttl after the server's now.
func (s *Store) leasePipeline(token string, ttl time.Duration) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: tokenField, Value: token},
			{Key: s.ttlField, Value: bson.D{{Key: "$add", Value: bson.A{"$$NOW", ttl.Milliseconds()}}}},
		}}},
	}
}
