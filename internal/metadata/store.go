// Package metadata provides the ordered key-value stores that hold the
// location index, object metadata and engine state.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bleepstore/chunkvault/internal/config"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("metadata: key not found")

// ScanFunc receives each key/value pair of a scan in ascending key order.
// Returning false stops the scan.
type ScanFunc func(key string, value []byte) bool

// KVStore is an ordered byte-string key-value store. Implementations must
// return keys from Scan in ascending byte order.
type KVStore interface {
	// Get returns the value for key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put inserts or replaces the value for key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan visits keys k with start <= k < end in ascending order. An empty
	// end means no upper bound.
	Scan(ctx context.Context, start, end string, fn ScanFunc) error

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or "" when no such key exists.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// ScanPrefix visits every key that starts with prefix.
func ScanPrefix(ctx context.Context, s KVStore, prefix string, fn ScanFunc) error {
	return s.Scan(ctx, prefix, PrefixEnd(prefix), fn)
}

// DeletePrefix removes every key that starts with prefix and returns the
// number of keys removed.
func DeletePrefix(ctx context.Context, s KVStore, prefix string) (int, error) {
	var keys []string
	err := ScanPrefix(ctx, s, prefix, func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// inRange reports whether key falls inside [start, end).
func inRange(key, start, end string) bool {
	if key < start {
		return false
	}
	return end == "" || key < end
}

// Open builds the KVStore selected by cfg.Engine.
func Open(ctx context.Context, cfg *config.MetadataConfig) (KVStore, error) {
	switch cfg.Engine {
	case "memory":
		interval := time.Duration(cfg.Memory.SnapshotIntervalSeconds) * time.Second
		return NewMemoryStore(cfg.Memory.SnapshotPath, interval)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path)
	case "local":
		return NewLocalStore(&cfg.Local)
	case "dynamodb":
		return NewDynamoDBStore(ctx, &cfg.DynamoDB)
	case "firestore":
		return NewFirestoreStore(ctx, &cfg.Firestore)
	case "cosmos":
		return NewCosmosStore(ctx, &cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Engine)
	}
}
