package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the Cache interface for Redis.
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis cache.
func NewRedis(config Config) *Redis {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}

	return &Redis{
		config: config,
	}
}

// Connect establishes a connection to Redis.
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     r.config.Addr,
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis.
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}

	if err := r.client.Close(); err != nil {
		return err
	}

	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis.
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Type returns the type of this cache.
func (r *Redis) Type() string {
	return "redis"
}

// Get retrieves a value from Redis.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if !r.connected {
		return "", ErrNotConnected
	}

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}

	return val, nil
}

// Set stores a value in Redis.
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Set(ctx, key, value, expiration).Err()
}

// SetNX sets a value in Redis only if the key does not exist.
func (r *Redis) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	return r.client.SetNX(ctx, key, value, expiration).Result()
}

// Delete removes a value from Redis.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}

	result, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrNotFound
	}

	return nil
}

// Exists checks if a key exists in Redis.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}

	return result > 0, nil
}

// Increment atomically increments a numeric value in Redis.
func (r *Redis) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.IncrBy(ctx, key, amount).Result()
}

// Expire sets an expiration time on a key.
func (r *Redis) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	success, err := r.client.Expire(ctx, key, expiration).Result()
	if err != nil {
		return err
	}

	if !success {
		return ErrNotFound
	}

	return nil
}
