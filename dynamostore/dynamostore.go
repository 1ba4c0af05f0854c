// Package dynamostore implements leaselock.Backend on DynamoDB.
//
// A lock is an item keyed by the lock key, holding the token and the lease
// expiry in epoch milliseconds. Every operation is a single conditional write.
// DynamoDB has no server-side clock for conditions, so expiry is judged by the
// caller's clock; keep client clocks in sync to within the safety margin.
//
// The expiry is also written in epoch seconds to the TTL attribute, so enabling
// DynamoDB Time to Live on it purges abandoned locks.
package dynamostore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jonboulle/clockwork"

	"github.com/companyinfo/leaselock"
)

const (
	DefaultTable       string = "distributed_lock"
	DefaultLockField   string = "lock_id"
	DefaultTokenField  string = "token"
	DefaultExpiryField string = "lease_expiry_ms"
	DefaultTTLField    string = "expiration_time"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the lock table.
func WithTable(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithLockField sets the partition key attribute storing the lock key.
func WithLockField(name string) Option {
	return func(s *Store) {
		s.lockField = name
	}
}

// WithTTLField sets the epoch-seconds attribute used by DynamoDB Time to Live.
func WithTTLField(name string) Option {
	return func(s *Store) {
		s.ttlField = name
	}
}

// WithClock replaces the wall clock used to compute expiries.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Store is a leaselock.Backend on a DynamoDB table.
type Store struct {
	client    API
	clock     clockwork.Clock
	table     string
	lockField string
	ttlField  string
}

// New creates a new Store using client, typically a *dynamodb.Client.
func New(client API, opts ...Option) *Store {
	s := &Store{
		client:    client,
		clock:     clockwork.NewRealClock(),
		table:     DefaultTable,
		lockField: DefaultLockField,
		ttlField:  DefaultTTLField,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns leaselock.BackendDynamoDB.
func (s *Store) Name() string {
	return leaselock.BackendDynamoDB
}

// SetIfAbsent writes the lock item unless a live one exists.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	expiry := now.Add(ttl)

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			s.lockField:        &types.AttributeValueMemberS{Value: key},
			DefaultTokenField:  &types.AttributeValueMemberS{Value: token},
			DefaultExpiryField: millis(expiry),
			s.ttlField:         seconds(expiry),
		},
		ConditionExpression:      aws.String("attribute_not_exists(#lock) OR #expiry <= :now"),
		ExpressionAttributeNames: s.names(false),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millis(now),
		},
	})

	return conditional(err)
}

// CompareAndDelete deletes the lock item if it holds token and has not expired.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.key(key),
		ConditionExpression:      aws.String("#token = :token AND #expiry > :now"),
		ExpressionAttributeNames: s.names(true),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
			":now":   millis(s.clock.Now()),
		},
	})

	return conditional(err)
}

// CompareAndExtend moves the expiry of the lock item to ttl from now if it holds
// token and has not expired.
func (s *Store) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	expiry := now.Add(ttl)

	names := s.names(true)
	names["#ttl"] = s.ttlField

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.key(key),
		UpdateExpression:         aws.String("SET #expiry = :expiry, #ttl = :ttl"),
		ConditionExpression:      aws.String("#token = :token AND #expiry > :now"),
		ExpressionAttributeNames: names,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token":  &types.AttributeValueMemberS{Value: token},
			":now":    millis(now),
			":expiry": millis(expiry),
			":ttl":    seconds(expiry),
		},
	})

	return conditional(err)
}

func (s *Store) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		s.lockField: &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) names(withToken bool) map[string]string {
	names := map[string]string{"#expiry": DefaultExpiryField}
	if withToken {
		names["#token"] = DefaultTokenField
	} else {
		names["#lock"] = s.lockField
	}

	return names
}

// conditional maps a failed condition to false.
func conditional(err error) (bool, error) {
	if err == nil {
		return true, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}

	return false, err
}

func millis(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

// seconds rounds up so the item outlives the lease.
func seconds(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt((t.UnixMilli()+999)/1000, 10)}
}
