package bus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATS implements Bus using a NATS backend.
type NATS struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

// NewNATS returns a NATS bus using the provided connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn, subs: make(map[string]*natsSubscription)}
}

// Publish implements Bus.Publish.
func (b *NATS) Publish(ctx context.Context, key string) error {
	return b.conn.Publish(key, []byte("1"))
}

// Subscribe implements Bus.Subscribe.
func (b *NATS) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(key, func(_ *nats.Msg) {
			b.mu.Lock()
			cur := b.subs[key]
			var chans []chan struct{}
			if cur != nil {
				chans = append(chans, cur.chans...)
			}
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATS) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
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
	var ns *nats.Subscription
	if len(sub.chans) == 0 {
		ns = sub.sub
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if ns != nil {
		return ns.Unsubscribe()
	}
	return nil
}
