package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the counter and key-value store behind the rate limiter and the
// hourly send-volume budget. Implementations must make Increment atomic;
// everything else in the system is built on that guarantee.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Type returns the type of the cache (e.g., "redis", "memcached")
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value in the cache with an optional expiration
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// SetNX sets a value in the cache only if the key does not exist
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the cache
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically increments a numeric value by the given amount
	// and returns the post-increment value
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Expire sets an expiration time on a key
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Config represents the configuration for a cache.
type Config struct {
	Type     string   // "redis", "memcached" or "memory"
	Addr     string   // host:port for Redis
	Addrs    []string // server list for Memcached
	Password string
	Database int // Redis database number
}

// Factory creates cache instances based on configuration.
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
