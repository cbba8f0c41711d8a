// Package bus provides the pub/sub channel blocked acquirers listen on so a
// release on one node can wake waiters on another without polling the store.
// Delivery is best-effort: the lock manager's retry loop never depends on an
// event arriving, a missed wake-up only means the next backoff sleep runs to
// completion.
package bus

import (
	"context"
	"sync"
)

// Bus is a minimal pub/sub surface keyed by resource name.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// InMemory is a single-process implementation of Bus, used in tests and when
// all lock holders share one process.
type InMemory struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// NewInMemory returns a new InMemory bus.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Delivery is non-blocking: a subscriber
// whose buffer is full simply misses the event.
func (b *InMemory) Publish(ctx context.Context, key string) error {
	b.mu.Lock()
	chans := append([]chan struct{}(nil), b.subs[key]...)
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is removed when ctx
// is cancelled.
func (b *InMemory) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemory) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	b.mu.Unlock()
	return nil
}
