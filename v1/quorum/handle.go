package quorum

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

// Handle represents one majority acquisition. Its lifecycle follows the
// same terminal-state rules as a single-store lock handle.
type Handle struct {
	mgr   *Manager
	key   string
	token string

	mu         sync.Mutex
	ttl        time.Duration
	validUntil time.Time
	state      lock.State
	wd         *watchdog
	lost       chan struct{}
}

func newHandle(m *Manager, key, token string, ttl time.Duration, validUntil time.Time) *Handle {
	return &Handle{
		mgr:        m,
		key:        key,
		token:      token,
		ttl:        ttl,
		validUntil: validUntil,
		lost:       make(chan struct{}),
	}
}

// Key returns the locked resource name.
func (h *Handle) Key() string {
	return h.key
}

// Token returns the shared owner token written to every store.
func (h *Handle) Token() string {
	return h.token
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() lock.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Lost returns a channel closed when the majority is lost while the handle
// is still in use.
func (h *Handle) Lost() <-chan struct{} {
	return h.lost
}

// ValidUntil returns the end of the last confirmed validity window, already
// reduced by acquisition time and the drift margin.
func (h *Handle) ValidUntil() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.validUntil
}

// Extend re-arms the lease for ttl on every store concurrently. True means
// a majority confirmed and the validity window was pushed out; false with a
// nil error means the majority is gone and the handle is now Lost.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	if h.mgr.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "dlock.QuorumExtend",
			trace.WithAttributes(attribute.String("dlock.key", h.key)))
		defer span.End()
	}

	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return false, nil
	}
	h.mu.Unlock()

	start := h.mgr.clk.Now()
	count := h.mgr.extendToken(ctx, h.key, h.token, ttl)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if count < h.mgr.Quorum() {
		h.markLost()
		return false, nil
	}

	h.mu.Lock()
	if !h.state.Terminal() {
		h.ttl = ttl
		h.validUntil = start.Add(ttl).Add(-h.mgr.drift(ttl))
	}
	h.mu.Unlock()
	metrics.RenewCounter.Inc()
	return true, nil
}

// Release deletes the lease from every store, best-effort: unreachable
// stores are ignored. It returns true when a majority confirmed the delete,
// meaning the token was still live; false means the lease had already
// expired or been taken over on most stores. A cancelled context leaves the
// handle unchanged so Release can be retried.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	if h.mgr.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "dlock.QuorumRelease",
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

	deleted := h.mgr.deleteToken(ctx, h.key, h.token, nil)
	if err := ctx.Err(); err != nil {
		// the round was cut short; the handle stays as it is so a retried
		// Release can run a full round
		return false, err
	}
	confirmed := deleted >= h.mgr.Quorum()

	h.mu.Lock()
	if !h.state.Terminal() {
		if confirmed {
			h.state = lock.StateReleased
		} else {
			h.state = lock.StateExpired
		}
		metrics.HeldGauge.Dec()
	}
	h.mu.Unlock()

	if confirmed {
		metrics.ReleaseCounter.Inc()
	}
	return confirmed, nil
}

func (h *Handle) markLost() {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state = lock.StateLost
	close(h.lost)
	h.mu.Unlock()
	metrics.LostCounter.Inc()
	metrics.HeldGauge.Dec()
}

// watchdog mirrors the single-store renewal loop: stop is observed at the
// top of every iteration so a release racing a tick always wins.
type watchdog struct {
	h        *Handle
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func newWatchdog(h *Handle, interval time.Duration) *watchdog {
	return &watchdog{
		h:        h,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *watchdog) stopAndWait() {
	close(w.stop)
	<-w.done
}

func (w *watchdog) run() {
	defer close(w.done)
	ticker := w.h.mgr.clk.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		select {
		case <-w.stop:
			return
		default:
		}

		w.h.mu.Lock()
		ttl := w.h.ttl
		w.h.mu.Unlock()

		ok, err := w.h.Extend(context.Background(), ttl)
		if err != nil || !ok {
			// a failed majority already marked the handle lost
			return
		}
	}
}
