package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached. Note that
// memcached counters are unsigned; Increment with a negative amount is not
// supported by this backend.
type Memcached struct {
	client    *memcache.Client
	config    Config
	connected bool
}

// NewMemcached creates a new Memcached cache.
func NewMemcached(config Config) *Memcached {
	if len(config.Addrs) == 0 {
		config.Addrs = []string{"localhost:11211"}
	}

	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to the Memcached servers.
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	m.client = memcache.New(m.config.Addrs...)

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close closes the connection to the Memcached servers.
func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected.
func (m *Memcached) IsConnected() bool {
	return m.connected
}

// Type returns the type of this cache.
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from the cache.
func (m *Memcached) Get(_ context.Context, key string) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}

	item, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return "", ErrNotFound
		}
		return "", err
	}

	return string(item.Value), nil
}

// Set stores a value in the cache with an optional expiration.
func (m *Memcached) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: expirationSeconds(expiration),
	})
}

// SetNX sets a value in the cache only if the key does not exist.
func (m *Memcached) SetNX(_ context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}

	err := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: expirationSeconds(expiration),
	})
	if err != nil {
		if errors.Is(err, memcache.ErrNotStored) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// Delete removes a value from the cache.
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}

	return nil
}

// Exists checks if a key exists in the cache.
func (m *Memcached) Exists(_ context.Context, key string) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}

	_, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// Increment atomically increments a numeric value. The key is initialized
// with the amount when it does not exist yet; memcached's native Increment
// fails on a missing key.
func (m *Memcached) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}
	if amount < 0 {
		return 0, errors.New("memcached does not support negative increments")
	}

	created, err := m.SetNX(ctx, key, strconv.FormatInt(amount, 10), 0)
	if err != nil {
		return 0, err
	}
	if created {
		return amount, nil
	}

	newValue, err := m.client.Increment(key, uint64(amount))
	if err != nil {
		return 0, err
	}

	return int64(newValue), nil
}

// Expire sets an expiration time on a key by rewriting the item.
func (m *Memcached) Expire(_ context.Context, key string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	item, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return ErrNotFound
		}
		return err
	}

	item.Expiration = expirationSeconds(expiration)
	return m.client.Set(item)
}

func expirationSeconds(expiration time.Duration) int32 {
	if expiration <= 0 {
		return 0
	}
	return int32(expiration.Seconds())
}
