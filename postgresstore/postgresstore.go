// Package postgresstore implements leaselock.Backend on PostgreSQL.
//
// Each lock is a row keyed by the lock key, holding the token and an expiration
// time. Every operation is a single statement whose WHERE clause carries the
// token and expiry checks, and all times come from the database clock, so
// clients with skewed clocks still agree on when a lease ends.
package postgresstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/companyinfo/leaselock"
)

const (
	DefaultTable      string = "distributed_lock"
	DefaultLockField  string = "lock_id"
	DefaultTokenField string = "token"
	DefaultTTLField   string = "expiration_time"
)

// Option configures a Store.
type Option func(*Store)

// WithTable sets the table holding the locks.
func WithTable(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithLockField sets the primary key column storing the lock key.
func WithLockField(name string) Option {
	return func(s *Store) {
		s.lockField = name
	}
}

// WithTokenField sets the column storing the acquisition token.
func WithTokenField(name string) Option {
	return func(s *Store) {
		s.tokenField = name
	}
}

// WithTTLField sets the column storing the expiration time.
func WithTTLField(name string) Option {
	return func(s *Store) {
		s.ttlField = name
	}
}

// Store is a leaselock.Backend on a PostgreSQL table.
type Store struct {
	client     *sql.DB
	table      string
	lockField  string
	tokenField string
	ttlField   string
}

// New creates a new Store using client.
func New(client *sql.DB, opts ...Option) *Store {
	s := &Store{
		client:     client,
		table:      DefaultTable,
		lockField:  DefaultLockField,
		tokenField: DefaultTokenField,
		ttlField:   DefaultTTLField,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns leaselock.BackendPostgres.
func (s *Store) Name() string {
	return leaselock.BackendPostgres
}

// EnsureTable creates the lock table if it does not exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        %s TEXT PRIMARY KEY,
        %s TEXT NOT NULL,
        %s TIMESTAMPTZ NOT NULL
    )`, s.table, s.lockField, s.tokenField, s.ttlField) // #nosec G201
	if _, err := s.client.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create lock table %s: %w", s.table, err)
	}

	return nil
}

// SetIfAbsent inserts the lock row, or takes over a row whose lease expired.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`
    INSERT INTO %s (%s, %s, %s)
    VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
    ON CONFLICT (%s)
    DO UPDATE SET %s = EXCLUDED.%s, %s = EXCLUDED.%s
    WHERE %s.%s <= NOW()`,
		s.table, s.lockField, s.tokenField, s.ttlField,
		s.lockField,
		s.tokenField, s.tokenField, s.ttlField, s.ttlField,
		s.table, s.ttlField) // #nosec G201

	return s.exec(ctx, query, key, token, ttl.Milliseconds())
}

// CompareAndDelete deletes the lock row if it holds token and has not expired.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s = $2 AND %s > NOW()`,
		s.table, s.lockField, s.tokenField, s.ttlField) // #nosec G201

	return s.exec(ctx, query, key, token)
}

// CompareAndExtend pushes the expiration time of the lock row to ttl from now if
// it holds token and has not expired.
func (s *Store) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`
    UPDATE %s SET %s = NOW() + $3 * INTERVAL '1 millisecond'
    WHERE %s = $1 AND %s = $2 AND %s > NOW()`,
		s.table, s.ttlField, s.lockField, s.tokenField, s.ttlField) // #nosec G201

	return s.exec(ctx, query, key, token, ttl.Milliseconds())
}

// exec runs a single-row statement and reports whether it changed the row.
func (s *Store) exec(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.client.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}
