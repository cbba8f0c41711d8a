package bus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// Redis implements Bus over Redis pub/sub. One PubSub connection is held per
// subscribed key and fanned out to local subscribers.
type Redis struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

// NewRedis returns a Redis bus using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *Redis) Publish(ctx context.Context, key string) error {
	return b.client.Publish(ctx, key, "1").Err()
}

// Subscribe implements Bus.Subscribe.
func (b *Redis) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pubsub := b.client.Subscribe(context.Background(), key)
		if _, err := pubsub.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = pubsub.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: pubsub}
		b.subs[key] = sub
		go b.dispatch(key, pubsub.Channel())
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *Redis) dispatch(key string, msgs <-chan *redis.Message) {
	for range msgs {
		b.mu.Lock()
		sub := b.subs[key]
		var chans []chan struct{}
		if sub != nil {
			chans = append(chans, sub.chans...)
		}
		b.mu.Unlock()
		for _, c := range chans {
			select {
			case c <- struct{}{}:
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. The underlying Redis subscription
// is closed once the last local subscriber for the key is gone.
func (b *Redis) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	var pubsub *redis.PubSub
	if len(sub.chans) == 0 {
		pubsub = sub.pubsub
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}
