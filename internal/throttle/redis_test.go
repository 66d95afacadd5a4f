package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeSetter struct {
	keys    map[string]time.Time
	lastKey string
	lastTTL time.Duration
	err     error
}

func (setter *fakeSetter) SetNX(_ context.Context, key string, _ interface{}, expiration time.Duration) *redis.BoolCmd {
	setter.lastKey = key
	setter.lastTTL = expiration
	if setter.err != nil {
		return redis.NewBoolResult(false, setter.err)
	}
	if _, exists := setter.keys[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	setter.keys[key] = time.Now()
	return redis.NewBoolResult(true, nil)
}

func TestRedisSweepThrottleAcquire(test *testing.T) {
	test.Parallel()
	setter := &fakeSetter{keys: map[string]time.Time{}}
	throttle, err := NewRedisSweepThrottle(setter, "")
	if err != nil {
		test.Fatalf("throttle: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := throttle.Acquire(context.Background(), now, time.Minute)
	if err != nil || !first {
		test.Fatalf("expected first acquire, got %v %v", first, err)
	}
	if setter.lastKey != defaultKey || setter.lastTTL != time.Minute {
		test.Fatalf("unexpected SetNX call key=%q ttl=%s", setter.lastKey, setter.lastTTL)
	}
	second, err := throttle.Acquire(context.Background(), now.Add(time.Second), time.Minute)
	if err != nil || second {
		test.Fatalf("expected throttled acquire, got %v %v", second, err)
	}
}

func TestRedisSweepThrottleZeroIntervalSkipsRedis(test *testing.T) {
	test.Parallel()
	setter := &fakeSetter{keys: map[string]time.Time{}, err: errors.New("unreachable")}
	throttle, err := NewRedisSweepThrottle(setter, "custom")
	if err != nil {
		test.Fatalf("throttle: %v", err)
	}
	acquired, err := throttle.Acquire(context.Background(), time.Now(), 0)
	if err != nil || !acquired {
		test.Fatalf("expected unthrottled acquire, got %v %v", acquired, err)
	}
	if setter.lastKey != "" {
		test.Fatalf("expected no redis call, got key %q", setter.lastKey)
	}
}

func TestRedisSweepThrottleError(test *testing.T) {
	test.Parallel()
	redisErr := errors.New("connection refused")
	throttle, err := NewRedisSweepThrottle(&fakeSetter{keys: map[string]time.Time{}, err: redisErr}, "custom")
	if err != nil {
		test.Fatalf("throttle: %v", err)
	}
	acquired, err := throttle.Acquire(context.Background(), time.Now(), time.Minute)
	if acquired || !errors.Is(err, redisErr) {
		test.Fatalf("expected redis error, got %v %v", acquired, err)
	}
}

func TestNewRedisSweepThrottleRequiresClient(test *testing.T) {
	test.Parallel()
	if _, err := NewRedisSweepThrottle(nil, ""); !errors.Is(err, ErrInvalidThrottleConfig) {
		test.Fatalf("expected ErrInvalidThrottleConfig, got %v", err)
	}
}

func TestConnectRejectsBadURL(test *testing.T) {
	test.Parallel()
	if _, err := Connect(context.Background(), "not-a-url"); !errors.Is(err, ErrInvalidThrottleConfig) {
		test.Fatalf("expected ErrInvalidThrottleConfig, got %v", err)
	}
}
