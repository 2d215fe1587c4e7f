package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStoreConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

// redisStore shares fixed-window counters across service instances using
// INCR and PTTL in one transaction, adding EXPIRE to keys without a TTL.
type redisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func newRedisStore(cfg redisStoreConfig) (*redisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Password:     cfg.Password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   2,
	})
	return &redisStore{client: client, timeout: timeout}, nil
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if window < time.Second {
		window = time.Second
	}
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	}); err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	count, ttl := incr.Val(), pttl.Val()
	// A counter without a TTL is either new or lost its EXPIRE; both get one.
	if ttl < 0 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire: %w", err)
		}
		ttl = window
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	return false, ttl, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
