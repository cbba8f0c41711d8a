package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*Redis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client), context.Background()
}

func TestRedisPublishSubscribeFlow(t *testing.T) {
	b, ctx := newRedisBus(t)

	ch, err := b.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	if err := b.Unsubscribe(ctx, "k", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestRedisFanOutToMultipleSubscribers(t *testing.T) {
	b, ctx := newRedisBus(t)

	ch1, err := b.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := b.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range []chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed event", i)
		}
	}
}
