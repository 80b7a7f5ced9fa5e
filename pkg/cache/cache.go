package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheService handles receipt caching in front of Postgres.
type CacheService struct {
	client *redis.Client
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisClient dials Redis with the pool settings every store in this service shares.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        50,
		MinIdleConns:    5,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewCacheService(client *redis.Client, logger *zap.Logger) *CacheService {
	return &CacheService{client: client, logger: logger}
}

// CacheKey formats a cache key for a receipt reference.
func CacheKey(reference string) string {
	return fmt.Sprintf("refill:receipt:v1:%s", reference)
}

// GetReceipt returns nil, nil on a miss.
func (c *CacheService) GetReceipt(ctx context.Context, reference string) ([]byte, error) {
	data, err := c.client.Get(ctx, CacheKey(reference)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, nil
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}
	c.hits.Add(1)
	return data, nil
}

func (c *CacheService) SetReceipt(ctx context.Context, reference string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, CacheKey(reference), data, ttl).Err()
}

func (c *CacheService) DeleteReceipt(ctx context.Context, reference string) error {
	return c.client.Del(ctx, CacheKey(reference)).Err()
}

// Stats returns hit and miss counts since start.
func (c *CacheService) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CacheService) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
