package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lingualink/internal/clock"
	dbconfig "lingualink/pkg/database"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// Backends accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Store is a DirectoryStore that can also drop expired keys physically.
type Store interface {
	interfaces.DirectoryStore
	PurgeExpired(ctx context.Context) (int64, error)
}

// Open builds the configured backend.
func Open(backend string, config *dbconfig.Config, clk clock.Clock, logger *zap.Logger) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteStore(config, clk, logger)
	case BackendMemory:
		return NewMemoryStore(clk), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Unavailable maps a raw store failure onto the StorageUnavailable sentinel.
// ErrNotFound and nil pass through unchanged.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, interfaces.ErrNotFound) {
		return err
	}
	return types.ErrStorageUnavailable.Wrap(err)
}

// GetJSON reads and decodes key into v. found is false for missing keys.
func GetJSON(ctx context.Context, store interfaces.DirectoryStore, key string, v interface{}) (bool, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, Unavailable(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, types.ErrStorageUnavailable.Wrap(fmt.Errorf("decode %s: %w", key, err))
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, store interfaces.DirectoryStore, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return Unavailable(store.Set(ctx, key, raw, ttl))
}
