package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value      string
	expiration int64 // unix nanoseconds, 0 = no expiry
}

func (e entry) expired(now int64) bool {
	return e.expiration > 0 && now > e.expiration
}

// Memory implements the Cache interface in process memory. It backs tests
// and development runs where no Redis or Memcached is available.
type Memory struct {
	mu        sync.RWMutex
	items     map[string]entry
	connected bool
	stop      chan struct{}
}

// NewMemory creates a new in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]entry),
	}
}

// Connect initializes the memory cache and starts the expiry janitor.
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.stop = make(chan struct{})
	go m.janitor()

	m.connected = true
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stop:
			return
		}
	}
}

// Close stops the janitor and clears the cache.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stop)
	m.items = make(map[string]entry)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected.
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Type returns the type of this cache.
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from the cache.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return "", ErrNotConnected
	}

	e, found := m.items[key]
	if !found || e.expired(time.Now().UnixNano()) {
		return "", ErrNotFound
	}

	return e.value, nil
}

// Set stores a value in the cache.
func (m *Memory) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.items[key] = entry{value: value, expiration: expiry(expiration)}
	return nil
}

// SetNX sets a value in the cache only if the key does not exist.
func (m *Memory) SetNX(_ context.Context, key string, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	if e, found := m.items[key]; found && !e.expired(time.Now().UnixNano()) {
		return false, nil
	}

	m.items[key] = entry{value: value, expiration: expiry(expiration)}
	return true, nil
}

// Delete removes a value from the cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	if _, found := m.items[key]; !found {
		return ErrNotFound
	}

	delete(m.items, key)
	return nil
}

// Exists checks if a key exists in the cache.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	e, found := m.items[key]
	return found && !e.expired(time.Now().UnixNano()), nil
}

// Increment atomically increments a numeric value. A missing or expired key
// is treated as zero, matching Redis INCRBY semantics.
func (m *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	var current int64
	expiration := int64(0)
	if e, found := m.items[key]; found && !e.expired(time.Now().UnixNano()) {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
		expiration = e.expiration
	}

	next := current + amount
	m.items[key] = entry{value: strconv.FormatInt(next, 10), expiration: expiration}
	return next, nil
}

// Expire sets an expiration time on a key.
func (m *Memory) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	e, found := m.items[key]
	if !found || e.expired(time.Now().UnixNano()) {
		return ErrNotFound
	}

	e.expiration = expiry(expiration)
	m.items[key] = e
	return nil
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for k, e := range m.items {
		if e.expired(now) {
			delete(m.items, k)
		}
	}
}

func expiry(expiration time.Duration) int64 {
	if expiration <= 0 {
		return 0
	}
	return time.Now().Add(expiration).UnixNano()
}
