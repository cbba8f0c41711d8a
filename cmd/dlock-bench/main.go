// dlock-bench measures acquire/release throughput and contention behavior
// against a real Redis instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/presets"
)

var (
	concurrency = flag.Int("c", 10, "Concurrent workers")
	duration    = flag.Duration("d", 10*time.Second, "Benchmark duration")
	key         = flag.String("key", "bench:lock", "Lock key")
	ttl         = flag.Duration("ttl", time.Second, "Lease TTL")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
)

func main() {
	flag.Parse()

	m := presets.NewRedisLock(presets.RedisOptions{Addr: *redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		acquired uint64
		timeouts uint64

		mu        sync.Mutex
		latencies []time.Duration
	)

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				start := time.Now()
				h, err := m.Acquire(ctx, *key, lock.Options{
					TTL:           *ttl,
					WaitTimeout:   *ttl,
					RetryInterval: 5 * time.Millisecond,
				})
				if err != nil {
					atomic.AddUint64(&timeouts, 1)
					continue
				}
				atomic.AddUint64(&acquired, 1)
				mu.Lock()
				latencies = append(latencies, time.Since(start))
				mu.Unlock()
				if _, err := h.Release(context.Background()); err != nil {
					log.Printf("release: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if len(latencies) == 0 {
		log.Fatal("no successful acquisitions; is Redis reachable?")
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	avg := total / time.Duration(len(latencies))
	p99 := latencies[len(latencies)*99/100]

	fmt.Printf("workers: %d, duration: %v\n", *concurrency, *duration)
	fmt.Printf("acquired: %d (%.0f ops/sec), timeouts: %d\n",
		acquired, float64(acquired)/duration.Seconds(), timeouts)
	fmt.Printf("acquire latency avg: %v, p99: %v\n", avg, p99)
}
