package lock

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

// State describes where a handle is in its lifecycle. Released, Expired and
// Lost are terminal: a handle never returns to Held.
type State int

const (
	// StateHeld means the lease is believed live and owned by this handle.
	StateHeld State = iota
	// StateReleased means the holder gave the lock up voluntarily.
	StateReleased
	// StateExpired means a release found the lease already gone.
	StateExpired
	// StateLost means a renewal or extension found a missing or foreign
	// token while the handle was still in use.
	StateLost
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s != StateHeld
}

func (s State) String() string {
	switch s {
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	case StateExpired:
		return "expired"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Handle represents one acquisition of a lock. It is owned by a single
// caller; only the watchdog touches it concurrently, under the handle's own
// mutex, which is unrelated to the distributed lock itself.
type Handle struct {
	mgr   *Manager
	key   string
	token string

	mu       sync.Mutex
	ttl      time.Duration
	deadline time.Time
	state    State
	wd       *watchdog
	lost     chan struct{}
}

func newHandle(m *Manager, key, token string, ttl time.Duration) *Handle {
	return &Handle{
		mgr:      m,
		key:      key,
		token:    token,
		ttl:      ttl,
		deadline: m.clk.Now().Add(ttl),
		lost:     make(chan struct{}),
	}
}

// Key returns the locked resource name.
func (h *Handle) Key() string {
	return h.key
}

// Token returns the owner token proving this acquisition.
func (h *Handle) Token() string {
	return h.token
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Lost returns a channel closed when ownership is lost while the handle is
// still in use. A caller's critical section should select on it and abort
// cooperatively.
func (h *Handle) Lost() <-chan struct{} {
	return h.lost
}

// Deadline returns the end of the last confirmed lease validity window.
func (h *Handle) Deadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}

// TTL returns the lease duration used by renewals.
func (h *Handle) TTL() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ttl
}

// Release gives the lock up. The watchdog, if any, is stopped and awaited
// before the delete is issued, so a pending renewal can never resurrect a
// released lease. Release returns true exactly once: when the stored token
// still matched and the record was deleted. False with a nil error means the
// lease had already expired, and possibly been re-acquired by someone else;
// the caller must treat its critical section as potentially violated. An
// unavailable store leaves the handle unchanged so Release can be retried.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	if h.mgr.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "dlock.Release",
			trace.WithAttributes(attribute.String("dlock.key", h.key)))
		defer span.End()
	}

	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return false, nil
	}
	wd := h.wd
	h.wd = nil
	h.mu.Unlock()

	if wd != nil {
		wd.stopAndWait()
	}

	ok, err := h.mgr.store.CompareDelete(ctx, h.key, h.token)
	if err != nil {
		// the delete never reached the store; the handle stays as it is
		// so a retried Release can reissue it
		return false, err
	}

	h.mu.Lock()
	if !h.state.Terminal() {
		if ok {
			h.state = StateReleased
		} else {
			h.state = StateExpired
		}
		metrics.HeldGauge.Dec()
	}
	h.mu.Unlock()
	if ok {
		metrics.ReleaseCounter.Inc()
		if h.mgr.bus != nil {
			_ = h.mgr.bus.Publish(ctx, unlockTopic(h.key))
		}
	}
	return ok, nil
}

// Extend resets the lease validity to ttl. False with a nil error means the
// stored token no longer matched: ownership is lost, the handle is marked
// Lost and the Lost channel is closed. An unavailable store leaves the
// handle state unchanged so the caller (or the watchdog) can retry while the
// last confirmed validity window is still open.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	if h.mgr.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "dlock.Extend",
			trace.WithAttributes(attribute.String("dlock.key", h.key)))
		defer span.End()
	}

	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return false, nil
	}
	h.mu.Unlock()

	// the deadline is anchored before the round trip so that time spent
	// talking to the store never inflates the local validity estimate
	start := h.mgr.clk.Now()
	ok, err := h.mgr.store.CompareExtend(ctx, h.key, h.token, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		h.markLost()
		return false, nil
	}

	h.mu.Lock()
	if !h.state.Terminal() {
		h.ttl = ttl
		h.deadline = start.Add(ttl)
	}
	h.mu.Unlock()
	metrics.RenewCounter.Inc()
	return true, nil
}

func (h *Handle) markLost() {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state = StateLost
	close(h.lost)
	h.mu.Unlock()
	metrics.LostCounter.Inc()
	metrics.HeldGauge.Dec()
}
