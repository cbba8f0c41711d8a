// Package presets wires common deployments so applications do not have to
// assemble stores, buses and managers by hand.
package presets

import (
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-dlock/v1/bus"
	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/quorum"
	"github.com/mirkobrombin/go-dlock/v1/store"
)

// RedisOptions configures the connection to one Redis instance.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisLock creates a single-store lock manager backed by one Redis
// instance, with Redis pub/sub wired as the wake-up bus so blocked
// acquirers react to releases without waiting out their backoff step.
func NewRedisLock(opts RedisOptions) *lock.Manager {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := store.NewRedis(client, store.WithCallTimeout(time.Second))
	return lock.New(s, lock.WithBus(bus.NewRedis(client)))
}

// NewRedisQuorum creates a quorum lock manager over N independent Redis
// instances, one per address. The instances must not replicate each other:
// the majority math assumes they fail independently.
func NewRedisQuorum(addrs []string, opts ...quorum.Option) (*quorum.Manager, error) {
	stores := make([]store.Store, 0, len(addrs))
	for _, addr := range addrs {
		client := redis.NewClient(&redis.Options{Addr: addr})
		stores = append(stores, store.NewRedis(client, store.WithCallTimeout(250*time.Millisecond)))
	}
	return quorum.New(stores, opts...)
}

// NewInMemoryStandalone creates a lock manager that runs entirely in-memory
// with no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone() *lock.Manager {
	return lock.New(store.NewMemory(), lock.WithBus(bus.NewInMemory()))
}
