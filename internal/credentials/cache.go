package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is a short-lived read-through cache in front of the Store.
type Cache interface {
	Get(ctx context.Context, establishmentID string) (*Credential, bool, error)
	Set(ctx context.Context, c Credential, ttl time.Duration) error
	Delete(ctx context.Context, establishmentID string) error
}

type memoryEntry struct {
	cred    Credential
	expires time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, nowFunc: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, establishmentID string) (*Credential, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[establishmentID]
	m.mu.RUnlock()
	if !ok || !m.nowFunc().Before(e.expires) {
		return nil, false, nil
	}
	c := e.cred
	return &c, true, nil
}

func (m *MemoryCache) Set(_ context.Context, c Credential, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[c.EstablishmentID] = memoryEntry{cred: c, expires: m.nowFunc().Add(ttl)}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, establishmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, establishmentID)
	return nil
}

const redisKeyPrefix = "credential:"

// RedisCache shares cached credentials across instances.
type RedisCache struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewRedisCache wraps an existing client; the caller owns it.
func NewRedisCache(client redis.Cmdable, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, establishmentID string) (*Credential, bool, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+establishmentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get credential: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		r.logger.Warn("dropping corrupt cached credential",
			zap.String("establishment_id", establishmentID),
			zap.Error(err))
		_ = r.client.Del(ctx, redisKeyPrefix+establishmentID)
		return nil, false, nil
	}
	return &c, true, nil
}

func (r *RedisCache) Set(ctx context.Context, c Credential, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+c.EstablishmentID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set credential: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, establishmentID string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+establishmentID).Err(); err != nil {
		return fmt.Errorf("redis delete credential: %w", err)
	}
	return nil
}

// OpenCache returns a RedisCache for redisURL, or a MemoryCache when the
// URL is empty. When Redis is unreachable at startup it fails if required
// is set and otherwise falls back to a MemoryCache, which each instance
// holds on its own. The returned func closes the Redis client.
func OpenCache(ctx context.Context, redisURL string, required bool, logger *zap.Logger) (Cache, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if redisURL == "" {
		return NewMemoryCache(), func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if required {
			return nil, nil, fmt.Errorf("redis %s unreachable: %w", opts.Addr, err)
		}
		// credential rotations on other instances stay invisible here until
		// the cache TTL expires
		logger.Error("redis unreachable, using in-process credential cache", zap.String("addr", opts.Addr), zap.Error(err))
		return NewMemoryCache(), func() error { return nil }, nil
	}
	return NewRedisCache(client, logger), client.Close, nil
}
