// Package cache holds thumbnail bytes and a distributed lock primitive on
// Redis, fronted by a small in-process memory layer. It is a performance
// layer only; correctness never depends on a hit.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sashko-guz/atelier/internal/apperr"
	"github.com/sashko-guz/atelier/internal/logger"
)

const (
	thumbKeyPrefix = "thumb:"
	lockKeyPrefix  = "lock:"

	maxRetries      = 10
	maxRetryBackoff = 3 * time.Second

	lockPollInterval = 100 * time.Millisecond
)

type Cache struct {
	rdb *redis.Client
	mem *memoryLayer
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.MaxRetries = maxRetries
	opts.MaxRetryBackoff = maxRetryBackoff

	mem, err := newMemoryLayer()
	if err != nil {
		return nil, err
	}

	logger.Infof("[Cache] Redis client configured: addr=%s, maxRetries=%d, maxBackoff=%v", opts.Addr, maxRetries, maxRetryBackoff)
	return &Cache{rdb: redis.NewClient(opts), mem: mem}, nil
}

func (c *Cache) Close() error {
	c.mem.close()
	return c.rdb.Close()
}

// Ping verifies connectivity at startup.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis unreachable: %v", apperr.ErrCache, err)
	}
	return nil
}

// GetThumb returns cached thumbnail bytes, checking the memory layer before
// Redis.
func (c *Cache) GetThumb(ctx context.Context, imageID string) ([]byte, bool, error) {
	key := thumbKeyPrefix + imageID

	if data, found := c.mem.get(key); found {
		logger.Debugf("[Cache] Memory HIT for %s", key)
		return data, true, nil
	}

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: get %s: %v", apperr.ErrCache, key, err)
	}

	c.mem.set(key, data)
	logger.Debugf("[Cache] Redis HIT for %s, promoted to memory", key)
	return data, true, nil
}

func (c *Cache) SetThumb(ctx context.Context, imageID string, data []byte, ttl time.Duration) error {
	key := thumbKeyPrefix + imageID
	c.mem.set(key, data)
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", apperr.ErrCache, key, err)
	}
	return nil
}

func (c *Cache) InvalidateThumb(ctx context.Context, imageID string) error {
	key := thumbKeyPrefix + imageID
	c.mem.del(key)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", apperr.ErrCache, key, err)
	}
	return nil
}

// AcquireLock is an atomic set-if-absent with TTL.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire lock %s: %v", apperr.ErrCache, key, err)
	}
	return ok, nil
}

func (c *Cache) ReleaseLock(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, lockKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: release lock %s: %v", apperr.ErrCache, key, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock, polling until the lock is
// acquired or the context expires.
func (c *Cache) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	for {
		ok, err := c.AcquireLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: lock %s: %v", apperr.ErrConcurrency, key, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}

	defer func() {
		if err := c.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
			logger.Warnf("[Cache] Failed to release lock %s: %v", key, err)
		}
	}()
	return fn()
}
