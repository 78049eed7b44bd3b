package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by DirectoryStore reads for missing or expired keys.
var ErrNotFound = errors.New("directory: key not found")

// DirectoryStore is the durable key-value store shared by every coordinator
// instance. It is the single source of truth; the conditional writes below are
// the only concurrency primitive the coordinator relies on.
type DirectoryStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// HashGet returns one field of the hash at key, or ErrNotFound.
	HashGet(ctx context.Context, key, field string) ([]byte, error)

	// HashSet stores one field of the hash at key.
	HashSet(ctx context.Context, key, field string, value []byte) error

	// HashDelete removes one field, or the whole hash when field is empty.
	HashDelete(ctx context.Context, key, field string) error

	// HashGetAll returns every field of the hash at key (empty map if absent).
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// CompareAndDelete deletes key only if it is present and, when expected is
	// non-nil, holds exactly expected. It reports whether this call deleted it.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// SetIfAbsent stores value only if key is missing or expired.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value of key with next only if it currently holds expected.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte) (bool, error)

	// Expire sets a new ttl on an existing key. It reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ScanPrefix returns all live keys with the given prefix and their values.
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
