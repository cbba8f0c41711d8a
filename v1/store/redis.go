package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var deleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Store using a Redis backend. Atomicity comes from SET NX
// and from Lua scripts that compare the stored token before acting.
type Redis struct {
	client      *redis.Client
	callTimeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithCallTimeout bounds every store call with its own timeout so a slow or
// partitioned Redis cannot stall an acquire or renewal cycle. A zero or
// negative duration disables the bound.
func WithCallTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.callTimeout = d
	}
}

// NewRedis returns a Redis store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.callTimeout)
}

// TrySet implements Store.TrySet via SET NX PX.
func (r *Redis) TrySet(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return ok, nil
}

// CompareDelete implements Store.CompareDelete via a GET/DEL Lua script.
func (r *Redis) CompareDelete(ctx context.Context, key, token string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := deleteScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, wrapUnavailable(err)
	}
	return n == 1, nil
}

// CompareExtend implements Store.CompareExtend via a GET/PEXPIRE Lua script.
func (r *Redis) CompareExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, wrapUnavailable(err)
	}
	return n == 1, nil
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, wrapUnavailable(err)
	}
	return v, true, nil
}

// wrapUnavailable marks transport failures, including per-call deadline
// expiry, as ErrUnavailable. Caller cancellation passes through untouched so
// it is never mistaken for a store outage.
func wrapUnavailable(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
