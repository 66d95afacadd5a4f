// Package throttle shares the sweep throttle across processes through Redis.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKey     = "credits:sweep:last"
	connectTimeout = 5 * time.Second
)

// ErrInvalidThrottleConfig reports unusable throttle wiring.
var ErrInvalidThrottleConfig = errors.New("invalid sweep throttle config")

// setter is the slice of the Redis client the throttle needs.
type setter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisSweepThrottle admits one sweep per interval for every process sharing the key.
// The key lives for minInterval, so its presence means a sweep ran recently.
type RedisSweepThrottle struct {
	client setter
	key    string
}

// NewRedisSweepThrottle wraps client. An empty key uses the default.
func NewRedisSweepThrottle(client setter, key string) (*RedisSweepThrottle, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidThrottleConfig)
	}
	if key == "" {
		key = defaultKey
	}
	return &RedisSweepThrottle{client: client, key: key}, nil
}

// Acquire implements ledger.SweepThrottle.
func (throttle *RedisSweepThrottle) Acquire(ctx context.Context, now time.Time, minInterval time.Duration) (bool, error) {
	if minInterval <= 0 {
		return true, nil
	}
	acquired, err := throttle.client.SetNX(ctx, throttle.key, strconv.FormatInt(now.UnixMilli(), 10), minInterval).Result()
	if err != nil {
		return false, fmt.Errorf("sweep throttle: %w", err)
	}
	return acquired, nil
}

// Connect parses redisURL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThrottleConfig, err)
	}
	options.DialTimeout = connectTimeout
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
