package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-dlock/v1/bus"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
	"github.com/mirkobrombin/go-dlock/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlock/v1/lock")

var (
	// ErrAcquireTimeout is returned when the wait timeout elapsed, or the
	// store failure budget was exhausted, without acquiring the lock. It is
	// the normal "resource busy" outcome, not an internal failure.
	ErrAcquireTimeout = errors.New("dlock: acquire timed out")

	// ErrInvalidTTL is returned for a non-positive lease TTL.
	ErrInvalidTTL = errors.New("dlock: ttl must be positive")

	// ErrInvalidRenewalFraction is returned when the renewal fraction falls
	// outside (0, 0.5]. Renewals must fire well before the lease expires.
	ErrInvalidRenewalFraction = errors.New("dlock: renewal fraction must be in (0, 0.5]")

	// ErrInvalidRetryInterval is returned for a negative retry interval.
	ErrInvalidRetryInterval = errors.New("dlock: retry interval must not be negative")

	// ErrInvalidFailureBudget is returned for a negative failure budget.
	ErrInvalidFailureBudget = errors.New("dlock: failure budget must not be negative")
)

// Options configures a single acquire call.
type Options struct {
	// TTL is the lease duration written to the store. Required.
	TTL time.Duration

	// WaitTimeout bounds how long Acquire keeps retrying a contended lock.
	// Zero means a single attempt.
	WaitTimeout time.Duration

	// RetryInterval is the initial backoff step between attempts. Later
	// steps grow exponentially with jitter. Defaults to 50ms.
	RetryInterval time.Duration

	// AutoRenew spawns a watchdog that extends the lease in the background.
	AutoRenew bool

	// RenewalFraction sets the watchdog interval as a fraction of TTL.
	// Defaults to 1/3.
	RenewalFraction float64

	// FailureBudget is how many consecutive unavailable-store results the
	// retry loop tolerates before giving up. Defaults to 5.
	FailureBudget int
}

func (o *Options) normalize() error {
	if o.TTL <= 0 {
		return ErrInvalidTTL
	}
	if o.RetryInterval < 0 {
		return ErrInvalidRetryInterval
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	if o.RenewalFraction == 0 {
		o.RenewalFraction = 1.0 / 3.0
	}
	if o.RenewalFraction < 0 || o.RenewalFraction > 0.5 {
		return ErrInvalidRenewalFraction
	}
	if o.FailureBudget < 0 {
		return ErrInvalidFailureBudget
	}
	if o.FailureBudget == 0 {
		o.FailureBudget = 5
	}
	return nil
}

// Manager acquires leases against one backing store.
type Manager struct {
	store        store.Store
	clk          clock.Clock
	bus          bus.Bus
	traceEnabled bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving retry sleeps, lease deadlines and the
// watchdog. Defaults to the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clk = clk
	}
}

// WithBus attaches a wake-up bus. Blocked acquirers subscribe to release
// events for their key and retry immediately instead of sleeping out the
// full backoff step. Correctness never depends on delivery.
func WithBus(b bus.Bus) Option {
	return func(m *Manager) {
		m.bus = b
	}
}

// WithTracing enables OpenTelemetry spans around lock operations.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

// New returns a Manager using the provided store.
func New(s store.Store, opts ...Option) *Manager {
	m := &Manager{store: s, clk: clock.New()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func unlockTopic(key string) string {
	return "unlock:" + key
}

// TryAcquire makes a single attempt to take the lock. It returns
// ErrAcquireTimeout when the lock is currently held.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	return m.Acquire(ctx, key, Options{TTL: ttl})
}

// Acquire takes the lock on key, retrying contended attempts with
// exponential backoff and jitter until opts.WaitTimeout elapses. Each
// attempt writes a fresh random token; the returned Handle owns that token.
// With opts.AutoRenew set, a watchdog keeps the lease alive until the handle
// is released or ownership is lost.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Handle, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if m.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "dlock.Acquire",
			trace.WithAttributes(attribute.String("dlock.key", key)))
		defer span.End()
	}

	deadline := m.clk.Now().Add(opts.WaitTimeout)

	var wake chan struct{}
	if m.bus != nil && opts.WaitTimeout > 0 {
		subCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if ch, err := m.bus.Subscribe(subCtx, unlockTopic(key)); err == nil {
			wake = ch
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryInterval
	bo.MaxInterval = opts.TTL
	bo.MaxElapsedTime = 0

	failures := 0
	for {
		token := uuid.NewString()
		ok, err := m.store.TrySet(ctx, key, token, opts.TTL)
		switch {
		case err != nil:
			if !errors.Is(err, store.ErrUnavailable) {
				return nil, err
			}
			failures++
			if failures > opts.FailureBudget {
				return nil, fmt.Errorf("%w: store failure budget exhausted: %v", ErrAcquireTimeout, err)
			}
		case ok:
			h := newHandle(m, key, token, opts.TTL)
			metrics.AcquireCounter.Inc()
			metrics.HeldGauge.Inc()
			if opts.AutoRenew {
				interval := time.Duration(float64(opts.TTL) * opts.RenewalFraction)
				h.wd = newWatchdog(h, interval)
				go h.wd.run()
			}
			return h, nil
		default:
			failures = 0
		}

		metrics.AcquireRetryCounter.Inc()
		remaining := deadline.Sub(m.clk.Now())
		if remaining <= 0 {
			return nil, ErrAcquireTimeout
		}
		d := bo.NextBackOff()
		if d > remaining {
			d = remaining
		}
		timer := m.clk.Timer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}
