// Package cache provides the optional read-through response cache. Cache
// failures are never load-bearing: a broken cache behaves like a miss.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/config"
)

// Cache is the read-through cache consumed by the aggregation service.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	InvalidatePrefix(ctx context.Context, prefix string)
	Ping(ctx context.Context) error
}

// Redis is the go-redis backed cache.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedis creates a Redis cache from configuration.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		PoolSize:     cfg.PoolSize,
	})
	return &Redis{client: client, logger: logger}
}

// Client exposes the underlying connection for the realtime relay.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Get returns the cached value for key, or a miss on any failure.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return value, true
}

// Set stores value under key for ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidatePrefix removes every key under prefix. Used after ingest so the
// dashboard sees new reports within one request rather than one TTL.
func (r *Redis) InvalidatePrefix(ctx context.Context, prefix string) {
	iter := r.client.Scan(ctx, 0, prefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("cache scan failed", zap.String("prefix", prefix), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Warn("cache invalidation failed", zap.Int("keys", len(keys)), zap.Error(err))
	}
}

// Ping checks connectivity for the health endpoint.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Key builds a cache key from an endpoint name and its parameters.
func Key(prefix, endpoint string, params ...string) string {
	h := fnv.New64a()
	for _, p := range params {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%s:%x", prefix, endpoint, h.Sum64())
}

// Disabled is a no-op cache used when caching is turned off.
type Disabled struct{}

func (Disabled) Get(context.Context, string) ([]byte, bool) { return nil, false }

func (Disabled) Set(context.Context, string, []byte, time.Duration) {}

func (Disabled) InvalidatePrefix(context.Context, string) {}

func (Disabled) Ping(context.Context) error { return nil }
