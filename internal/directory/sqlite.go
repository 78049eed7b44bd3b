package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lingualink/internal/clock"
	dbconfig "lingualink/pkg/database"
	"lingualink/pkg/interfaces"
)

// SQLiteStore implements interfaces.DirectoryStore on a SQLite file.
// All writes go through one goroutine; reads run concurrently under WAL.
type SQLiteStore struct {
	db           *sql.DB
	config       *dbconfig.Config
	clock        clock.Clock
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewSQLiteStore opens the database, applies migrations and starts the writer.
func NewSQLiteStore(config *dbconfig.Config, clk clock.Clock, logger *zap.Logger) (*SQLiteStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid directory config: %w", err)
	}

	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &SQLiteStore{
		db:           db,
		config:       config,
		clock:        clk,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	store.wg.Add(1)
	go store.writeLoop()

	return store, nil
}

// writeLoop processes all write operations in a single goroutine. A failed
// write is retried once after RetryDelay.
func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(op.ctx, s.db)
			if err != nil && op.ctx.Err() == nil {
				s.logger.Warn("directory write failed, retrying", zap.Error(err), zap.Duration("delay", s.config.RetryDelay))
				time.Sleep(s.config.RetryDelay)
				err = op.operation(op.ctx, s.db)
				if err != nil {
					s.logger.Error("directory write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-s.shutdown:
			s.logger.Debug("directory write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (s *SQLiteStore) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(s.config.WriteTimeout)
	defer timer.Stop()

	select {
	case s.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrClosed
	}
}

func (s *SQLiteStore) now() int64 {
	return s.clock.Now().UnixNano()
}

func (s *SQLiteStore) expiresAt(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.clock.Now().Add(ttl).UnixNano(), Valid: true}
}

// exec runs a single statement through the writer and returns rows affected.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var affected int64
	err := s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

const liveClause = "(expires_at IS NULL OR expires_at > ?)"

// Get returns the value for key, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE key = ? AND "+liveClause, key, s.now(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value and TTL.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.exec(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, s.expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.exec(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// HashGet returns one field of a hash.
func (s *SQLiteStore) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_hash WHERE key = ? AND field = ?", key, field,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	return value, nil
}

// HashSet stores one field of a hash.
func (s *SQLiteStore) HashSet(ctx context.Context, key, field string, value []byte) error {
	_, err := s.exec(ctx, `
		INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value
	`, key, field, value)
	if err != nil {
		return fmt.Errorf("hset %s.%s: %w", key, field, err)
	}
	return nil
}

// HashDelete removes one field, or the whole hash when field is empty.
func (s *SQLiteStore) HashDelete(ctx context.Context, key, field string) error {
	var err error
	if field == "" {
		_, err = s.exec(ctx, "DELETE FROM kv_hash WHERE key = ?", key)
	} else {
		_, err = s.exec(ctx, "DELETE FROM kv_hash WHERE key = ? AND field = ?", key, field)
	}
	if err != nil {
		return fmt.Errorf("hdel %s.%s: %w", key, field, err)
	}
	return nil
}

// HashGetAll returns every field of a hash.
func (s *SQLiteStore) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT field, value FROM kv_hash WHERE key = ?", key)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	fields := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", key, err)
		}
		fields[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// CompareAndDelete deletes key only if it is live and, when expected is
// non-nil, holds expected. Exactly one concurrent caller can observe true.
func (s *SQLiteStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	var affected int64
	var err error
	if expected == nil {
		affected, err = s.exec(ctx, "DELETE FROM kv WHERE key = ? AND "+liveClause, key, s.now())
	} else {
		affected, err = s.exec(ctx, "DELETE FROM kv WHERE key = ? AND value = ? AND "+liveClause, key, expected, s.now())
	}
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return affected == 1, nil
}

// SetIfAbsent stores value only if key is missing or expired.
func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	affected, err := s.exec(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= ?
	`, key, value, s.expiresAt(ttl), now)
	if err != nil {
		return false, fmt.Errorf("set-if-absent %s: %w", key, err)
	}
	return affected == 1, nil
}

// CompareAndSwap replaces the value of key only if it currently holds expected.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte) (bool, error) {
	affected, err := s.exec(ctx,
		"UPDATE kv SET value = ? WHERE key = ? AND value = ? AND "+liveClause,
		next, key, expected, s.now())
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %s: %w", key, err)
	}
	return affected == 1, nil
}

// Expire sets a new TTL on a live key. A ttl of zero removes the expiry.
func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	affected, err := s.exec(ctx,
		"UPDATE kv SET expires_at = ? WHERE key = ? AND "+liveClause,
		s.expiresAt(ttl), key, s.now())
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	return affected == 1, nil
}

// ScanPrefix returns all live keys starting with prefix.
func (s *SQLiteStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE substr(key, 1, ?) = ? AND "+liveClause,
		len(prefix), prefix, s.now())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

// PurgeExpired physically removes expired keys and returns how many were dropped.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	affected, err := s.exec(ctx, "DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return affected, nil
}

// HealthCheck validates database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close shuts down the writer and the database. Safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
