package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

// contract exercises the behavior every Store implementation must share:
// create-if-absent, token-guarded delete and extend, diagnostic reads.
func contract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if ok, err := s.TrySet(ctx, "c", "one", time.Minute); err != nil || !ok {
		t.Fatalf("tryset absent key: ok %v err %v", ok, err)
	}
	if ok, err := s.TrySet(ctx, "c", "two", time.Minute); err != nil || ok {
		t.Fatalf("tryset present key: ok %v err %v", ok, err)
	}
	if ok, err := s.CompareExtend(ctx, "c", "two", time.Minute); err != nil || ok {
		t.Fatalf("extend with foreign token: ok %v err %v", ok, err)
	}
	if ok, err := s.CompareExtend(ctx, "c", "one", time.Minute); err != nil || !ok {
		t.Fatalf("extend with owner token: ok %v err %v", ok, err)
	}
	if ok, err := s.CompareDelete(ctx, "c", "two"); err != nil || ok {
		t.Fatalf("delete with foreign token: ok %v err %v", ok, err)
	}
	if v, found, err := s.Get(ctx, "c"); err != nil || !found || v != "one" {
		t.Fatalf("get: v %q found %v err %v", v, found, err)
	}
	if ok, err := s.CompareDelete(ctx, "c", "one"); err != nil || !ok {
		t.Fatalf("delete with owner token: ok %v err %v", ok, err)
	}
	if _, found, err := s.Get(ctx, "c"); err != nil || found {
		t.Fatalf("get after delete: found %v err %v", found, err)
	}
	if ok, err := s.CompareDelete(ctx, "c", "one"); err != nil || ok {
		t.Fatalf("delete absent key: ok %v err %v", ok, err)
	}
}

func TestContractMemory(t *testing.T) {
	contract(t, NewMemory())
}

func TestContractRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	contract(t, NewRedis(client, WithCallTimeout(time.Second)))
}
