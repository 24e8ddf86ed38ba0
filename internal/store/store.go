package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "marketbot/pkg/logx"
)

// ErrUnavailable is returned when the backing store cannot be reached or the
// operation failed at the storage layer. Callers decide fail-open/fail-closed.
var ErrUnavailable = errors.New("store unavailable")

// Config configures the key-value store.
//
// Driver values:
//   - "memory": process-local map (lost on restart)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is a shared string-keyed store with per-key expiry.
//
// Individual operations are atomic; sequences of operations across keys are
// not. Expired keys behave as absent for every operation.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes key=value. ttl <= 0 stores the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key=value only if the key is absent, atomically.
	// It reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer value at key and returns the new
	// count. An absent key starts at 1 and carries no expiry.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the remaining lifetime of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key. ok is false when the key is
	// absent; a zero ttl with ok=true means the key has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// Keys returns all live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Count returns the number of live keys starting with prefix.
	Count(ctx context.Context, prefix string) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
