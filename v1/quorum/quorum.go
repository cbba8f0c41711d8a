// Package quorum implements a majority-based lock over N independently
// failing stores. The stores do not replicate between themselves; mutual
// exclusion holds because no two holders can both win a majority, and the
// lock survives the failure of any minority of stores. The same pause
// limitation documented for the single-store lock applies here.
package quorum

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	backoff "github.com/cenkalti/backoff/v4"
	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-dlock/v1/metrics"
	"github.com/mirkobrombin/go-dlock/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlock/v1/quorum")

var (
	// ErrTooFewStores is returned by New when fewer than three stores are
	// given; a majority of one or two cannot tolerate any failure.
	ErrTooFewStores = errors.New("dlock: quorum requires at least 3 stores")

	// ErrQuorumNotReached is returned when fewer than a majority of stores
	// accepted the lease within the wait budget. Partial successes are
	// cleaned up best-effort before it is returned.
	ErrQuorumNotReached = errors.New("dlock: quorum not reached")

	// ErrInvalidTTL is returned for a non-positive lease TTL.
	ErrInvalidTTL = errors.New("dlock: ttl must be positive")

	// ErrInvalidRenewalFraction is returned when the renewal fraction falls
	// outside (0, 0.5].
	ErrInvalidRenewalFraction = errors.New("dlock: renewal fraction must be in (0, 0.5]")
)

// Options configures a single quorum acquire call.
type Options struct {
	// TTL is the lease duration written to each store. The effective
	// validity of a successful acquisition is shorter: TTL minus the time
	// the acquisition took minus the clock drift margin.
	TTL time.Duration

	// WaitTimeout bounds how long Acquire keeps retrying. Zero means a
	// single round over the stores.
	WaitTimeout time.Duration

	// RetryInterval is the initial backoff step between rounds. Defaults
	// to 50ms.
	RetryInterval time.Duration

	// AutoRenew spawns a watchdog that re-extends a majority in the
	// background.
	AutoRenew bool

	// RenewalFraction sets the watchdog interval as a fraction of TTL.
	// Defaults to 1/3.
	RenewalFraction float64
}

func (o *Options) normalize() error {
	if o.TTL <= 0 {
		return ErrInvalidTTL
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	if o.RenewalFraction == 0 {
		o.RenewalFraction = 1.0 / 3.0
	}
	if o.RenewalFraction < 0 || o.RenewalFraction > 0.5 {
		return ErrInvalidRenewalFraction
	}
	return nil
}

// Manager acquires majority leases across a fixed set of stores.
type Manager struct {
	stores          []store.Store
	clk             clock.Clock
	perStoreTimeout time.Duration
	driftMargin     time.Duration
	cleanup         bool
	traceEnabled    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for elapsed-time and validity math.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clk = clk
	}
}

// WithPerStoreTimeout bounds each individual store call during acquire,
// extend and release rounds, so one stalled store cannot consume the lease
// validity of the others. Defaults to 50ms; must be well below the TTL.
func WithPerStoreTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.perStoreTimeout = d
	}
}

// WithDriftMargin overrides the clock drift allowance subtracted from every
// acquisition's validity. Defaults to TTL/100 + 2ms.
func WithDriftMargin(d time.Duration) Option {
	return func(m *Manager) {
		m.driftMargin = d
	}
}

// WithoutCleanup disables the best-effort delete of partial acquisitions
// when a round fails to reach a majority. Orphaned records then linger on
// the minority stores until their TTL expires, which can delay the next
// acquirer but does not break mutual exclusion.
func WithoutCleanup() Option {
	return func(m *Manager) {
		m.cleanup = false
	}
}

// WithTracing enables OpenTelemetry spans around quorum operations.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

// New returns a Manager over the given stores. At least three are required.
func New(stores []store.Store, opts ...Option) (*Manager, error) {
	if len(stores) < 3 {
		return nil, ErrTooFewStores
	}
	m := &Manager{
		stores:          append([]store.Store(nil), stores...),
		clk:             clock.New(),
		perStoreTimeout: 50 * time.Millisecond,
		cleanup:         true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Quorum returns the majority threshold, floor(N/2)+1.
func (m *Manager) Quorum() int {
	return len(m.stores)/2 + 1
}

func (m *Manager) drift(ttl time.Duration) time.Duration {
	if m.driftMargin > 0 {
		return m.driftMargin
	}
	return ttl/100 + 2*time.Millisecond
}

// TryAcquire makes a single round over the stores. It returns
// ErrQuorumNotReached when no majority could be won.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	return m.Acquire(ctx, key, Options{TTL: ttl})
}

// Acquire takes a majority lease on key. One shared token is written to all
// stores concurrently, each attempt bounded by the per-store timeout; the
// round succeeds when a majority accepted it and enough of the TTL is left
// after elapsed time and drift margin. Failed rounds are retried with
// backoff until opts.WaitTimeout elapses, then ErrQuorumNotReached.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Handle, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if m.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "dlock.QuorumAcquire",
			trace.WithAttributes(
				attribute.String("dlock.key", key),
				attribute.Int("dlock.stores", len(m.stores)),
			))
		defer span.End()
	}

	deadline := m.clk.Now().Add(opts.WaitTimeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryInterval
	bo.MaxInterval = opts.TTL
	bo.MaxElapsedTime = 0

	for {
		h, err := m.tryAcquire(ctx, key, opts.TTL)
		if err != nil {
			return nil, err
		}
		if h != nil {
			metrics.AcquireCounter.Inc()
			metrics.HeldGauge.Inc()
			if opts.AutoRenew {
				interval := time.Duration(float64(opts.TTL) * opts.RenewalFraction)
				h.wd = newWatchdog(h, interval)
				go h.wd.run()
			}
			return h, nil
		}

		metrics.AcquireRetryCounter.Inc()
		remaining := deadline.Sub(m.clk.Now())
		if remaining <= 0 {
			return nil, ErrQuorumNotReached
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
		}
	}
}

// tryAcquire runs one round. It returns a nil handle and nil error when the
// round failed without the context being cancelled.
func (m *Manager) tryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	start := m.clk.Now()
	wins := make([]bool, len(m.stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range m.stores {
		i, s := i, s
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, m.perStoreTimeout)
			defer cancel()
			// an unreachable store is simply a vote not won
			ok, err := s.TrySet(cctx, key, token, ttl)
			if err == nil && ok {
				wins[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	elapsed := m.clk.Now().Sub(start)
	validity := ttl - elapsed - m.drift(ttl)

	if count >= m.Quorum() && validity > 0 {
		return newHandle(m, key, token, ttl, start.Add(ttl).Add(-m.drift(ttl))), nil
	}

	if m.cleanup {
		m.deleteToken(context.Background(), key, token, wins)
	}
	return nil, ctx.Err()
}

// deleteToken issues best-effort CompareDeletes for token against the
// stores selected by mask (or all stores when mask is nil), ignoring
// per-store failures. It returns how many stores confirmed a deletion.
func (m *Manager) deleteToken(ctx context.Context, key, token string, mask []bool) int {
	var mu sync.Mutex
	deleted := 0
	var g errgroup.Group
	for i, s := range m.stores {
		if mask != nil && !mask[i] {
			continue
		}
		s := s
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.perStoreTimeout)
			defer cancel()
			if ok, err := s.CompareDelete(cctx, key, token); err == nil && ok {
				mu.Lock()
				deleted++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return deleted
}

// extendToken issues concurrent CompareExtends and returns how many stores
// confirmed the extension.
func (m *Manager) extendToken(ctx context.Context, key, token string, ttl time.Duration) int {
	var mu sync.Mutex
	extended := 0
	var g errgroup.Group
	for _, s := range m.stores {
		s := s
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.perStoreTimeout)
			defer cancel()
			if ok, err := s.CompareExtend(cctx, key, token, ttl); err == nil && ok {
				mu.Lock()
				extended++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return extended
}
