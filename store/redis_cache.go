package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCacheConfig configures the Redis cache tier.
type RedisCacheConfig struct {
	// Redis address.
	Addr string `yaml:"addr" json:"addr"`

	// Password, if any.
	Password string `yaml:"password" json:"password"`

	// Database number.
	DB int `yaml:"db" json:"db"`

	// Key namespace prepended to every key.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Default TTL applied when callers pass zero.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// Maximum retries per command.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Connection pool size.
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// Minimum idle connections.
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultRedisCacheConfig returns the default cache tier configuration.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		Prefix:       "mem:",
		DefaultTTL:   5 * time.Minute,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisCache is the Redis-backed CacheTier.
type RedisCache struct {
	redis  *redis.Client
	config RedisCacheConfig
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisCache creates a Redis cache tier and verifies connectivity.
func NewRedisCache(config RedisCacheConfig, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := &RedisCache{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache_tier")),
	}

	c.logger.Info("redis cache tier initialized",
		zap.String("addr", config.Addr),
		zap.String("prefix", config.Prefix),
	)

	return c, nil
}

// Save stores value as JSON under the namespaced key.
func (c *RedisCache) Save(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("cache tier is closed")
	}

	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if err := c.redis.Set(ctx, c.config.Prefix+key, data, ttl).Err(); err != nil {
		c.logger.Error("cache save failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache save failed: %w", err)
	}
	return nil
}

// Get loads the JSON value at key into dest.
func (c *RedisCache) Get(ctx context.Context, key string, dest any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("cache tier is closed")
	}

	val, err := c.redis.Get(ctx, c.config.Prefix+key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		c.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache get failed: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// Delete removes the given keys.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("cache tier is closed")
	}
	if len(keys) == 0 {
		return nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.config.Prefix + k
	}

	if err := c.redis.Del(ctx, prefixed...).Err(); err != nil {
		c.logger.Error("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// Keys enumerates un-prefixed keys matching pattern via SCAN.
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("cache tier is closed")
	}

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.redis.Scan(ctx, cursor, c.config.Prefix+pattern, 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("cache scan failed: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, c.config.Prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("cache tier is closed")
	}
	return c.redis.Ping(ctx).Err()
}

// Close shuts down the client.
func (c *RedisCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("closing cache tier")
	return c.redis.Close()
}
