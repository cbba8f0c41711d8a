package quorum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/store"
)

func newStores(n int) []store.Store {
	stores := make([]store.Store, n)
	for i := range stores {
		stores[i] = store.NewMemory()
	}
	return stores
}

func memory(s store.Store) *store.Memory {
	return s.(*store.Memory)
}

func countHolding(t *testing.T, stores []store.Store, key, token string) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	for _, s := range stores {
		if v, found, err := s.Get(ctx, key); err == nil && found && v == token {
			n++
		}
	}
	return n
}

func TestNewRejectsTooFewStores(t *testing.T) {
	if _, err := New(newStores(2)); !errors.Is(err, ErrTooFewStores) {
		t.Fatalf("err = %v, want ErrTooFewStores", err)
	}
	if _, err := New(newStores(3)); err != nil {
		t.Fatalf("three stores should be accepted: %v", err)
	}
}

func TestAcquireWinsMajority(t *testing.T) {
	stores := newStores(5)
	m, err := New(stores)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := countHolding(t, stores, "k", h.Token()); got != 5 {
		t.Fatalf("token on %d stores, want 5", got)
	}
	if !h.ValidUntil().Before(time.Now().Add(time.Second)) {
		t.Fatal("validity window not reduced by drift margin")
	}
	if got := h.State(); got != lock.StateHeld {
		t.Fatalf("state = %v, want held", got)
	}
}

func TestAcquireMutualExclusion(t *testing.T) {
	stores := newStores(5)
	m1, _ := New(stores)
	m2, _ := New(stores)
	ctx := context.Background()

	if _, err := m1.TryAcquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m2.TryAcquire(ctx, "k", time.Minute); !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("second acquire err = %v, want ErrQuorumNotReached", err)
	}
}

func TestExtendSurvivesMinorityFailure(t *testing.T) {
	stores := newStores(5)
	m, _ := New(stores)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	memory(stores[0]).SetAvailable(false)
	memory(stores[1]).SetAvailable(false)

	ok, err := h.Extend(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("extend with 3/5 reachable: ok %v err %v", ok, err)
	}
	if got := h.State(); got != lock.StateHeld {
		t.Fatalf("state = %v, want held", got)
	}
}

func TestExtendLosesMajority(t *testing.T) {
	stores := newStores(5)
	m, _ := New(stores)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 3; i++ {
		memory(stores[i]).SetAvailable(false)
	}

	ok, err := h.Extend(ctx, time.Minute)
	if err != nil || ok {
		t.Fatalf("extend with 2/5 reachable: ok %v err %v", ok, err)
	}
	if got := h.State(); got != lock.StateLost {
		t.Fatalf("state = %v, want lost", got)
	}
	select {
	case <-h.Lost():
	default:
		t.Fatal("lost channel not closed")
	}
}

func TestWatchdogReportsLossAfterMajorityKilled(t *testing.T) {
	stores := newStores(5)
	m, _ := New(stores)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", Options{TTL: 120 * time.Millisecond, AutoRenew: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// minority failure: renewals keep succeeding
	memory(stores[0]).SetAvailable(false)
	memory(stores[1]).SetAvailable(false)
	time.Sleep(300 * time.Millisecond)
	if got := h.State(); got != lock.StateHeld {
		t.Fatalf("state = %v, want held with 3/5 reachable", got)
	}

	// majority failure: the next renewal cycle must report loss
	memory(stores[2]).SetAvailable(false)
	select {
	case <-h.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never reported loss")
	}
}

func TestFailedAcquireCleansUpPartialSuccesses(t *testing.T) {
	stores := newStores(5)
	m, _ := New(stores)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		memory(stores[i]).SetAvailable(false)
	}
	if _, err := m.TryAcquire(ctx, "k", time.Minute); !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("err = %v, want ErrQuorumNotReached", err)
	}
	for i := 3; i < 5; i++ {
		if _, found, err := stores[i].Get(ctx, "k"); err != nil || found {
			t.Fatalf("store %d retained an orphaned record: found %v err %v", i, found, err)
		}
	}
}

func TestWithoutCleanupLeavesOrphansToTTL(t *testing.T) {
	stores := newStores(5)
	m, _ := New(stores, WithoutCleanup())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		memory(stores[i]).SetAvailable(false)
	}
	if _, err := m.TryAcquire(ctx, "k", time.Minute); !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("err = %v, want ErrQuorumNotReached", err)
	}
	orphans := 0
	for i := 3; i < 5; i++ {
		if _, found, _ := stores[i].Get(ctx, "k"); found {
			orphans++
		}
	}
	if orphans != 2 {
		t.Fatalf("orphans = %d, want 2", orphans)
	}
}

func TestReleaseBestEffort(t *testing.T) {
	stores := newStores(5)
	m, _ := New(stores)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	memory(stores[4]).SetAvailable(false)

	ok, err := h.Release(ctx)
	if err != nil || !ok {
		t.Fatalf("release with 4/5 reachable: ok %v err %v", ok, err)
	}
	if got := h.State(); got != lock.StateReleased {
		t.Fatalf("state = %v, want released", got)
	}
	for i := 0; i < 4; i++ {
		if _, found, _ := stores[i].Get(ctx, "k"); found {
			t.Fatalf("store %d retained the record after release", i)
		}
	}
	// second release is a no-op
	if ok, err := h.Release(ctx); err != nil || ok {
		t.Fatalf("second release: ok %v err %v", ok, err)
	}
}

func TestReleaseWithoutMajorityReportsFalse(t *testing.T) {
	stores := newStores(5)
	m, _ := New(stores)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 3; i++ {
		memory(stores[i]).SetAvailable(false)
	}
	ok, err := h.Release(ctx)
	if err != nil || ok {
		t.Fatalf("release with 2/5 reachable: ok %v err %v", ok, err)
	}
	if got := h.State(); got != lock.StateExpired {
		t.Fatalf("state = %v, want expired", got)
	}
}

func TestReleaseCancelledContextIsRetryable(t *testing.T) {
	stores := newStores(3)
	m, _ := New(stores)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	ok, err := h.Release(cancelled)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled release: ok %v err %v, want context.Canceled", ok, err)
	}
	if got := h.State(); got != lock.StateHeld {
		t.Fatalf("state after cancelled release = %v, want held", got)
	}
	if got := countHolding(t, stores, "k", h.Token()); got != 3 {
		t.Fatalf("cancelled release touched %d stores", 3-got)
	}

	ok, err = h.Release(ctx)
	if err != nil || !ok {
		t.Fatalf("retried release: ok %v err %v", ok, err)
	}
	if got := h.State(); got != lock.StateReleased {
		t.Fatalf("state after retried release = %v, want released", got)
	}
}

func TestAcquireAfterReleaseHandsOver(t *testing.T) {
	stores := newStores(3)
	m, _ := New(stores)
	ctx := context.Background()

	h, err := m.TryAcquire(ctx, "job:42", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.TryAcquire(ctx, "job:42", 10*time.Second); !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("contended acquire err = %v, want ErrQuorumNotReached", err)
	}
	if ok, err := h.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	h2, err := m.TryAcquire(ctx, "job:42", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if h2.Token() == h.Token() {
		t.Fatal("token reused across acquisitions")
	}
}
