package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/quorum"
)

func TestInMemoryStandaloneRoundTrip(t *testing.T) {
	m := NewInMemoryStandalone()
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := h.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
}

func TestRedisQuorumRejectsTooFewAddrs(t *testing.T) {
	if _, err := NewRedisQuorum([]string{"a:6379", "b:6379"}); !errors.Is(err, quorum.ErrTooFewStores) {
		t.Fatalf("err = %v, want ErrTooFewStores", err)
	}
}
