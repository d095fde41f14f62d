package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/edgequota/edgegate/internal/redis"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// FailoverMetrics receives failover telemetry. *observability.Metrics
// satisfies it.
type FailoverMetrics interface {
	IncStoreErrors()
	IncStoreFallback()
	SetStorePrimaryState(gauge int)
}

// FailoverOptions tunes FailoverStore.
type FailoverOptions struct {
	// ConsecutiveFailures of the primary that trip the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// OperationTimeout bounds every call to the primary.
	OperationTimeout time.Duration
	// WarnInterval throttles fallback warnings.
	WarnInterval time.Duration
}

func (o *FailoverOptions) withDefaults() {
	if o.ConsecutiveFailures == 0 {
		o.ConsecutiveFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 5 * time.Second
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 250 * time.Millisecond
	}
	if o.WarnInterval <= 0 {
		o.WarnInterval = 10 * time.Second
	}
}

// FailoverStore sends every operation to a primary store guarded by a
// breaker. Connectivity failures and an open breaker route the operation to
// the fallback instead, so a dead Redis never blocks the request path.
// Data written to the fallback is not copied back when the primary recovers.
type FailoverStore struct {
	primary  Store
	fallback Store
	cb       *gobreaker.CircuitBreaker
	opts     FailoverOptions
	logger   *slog.Logger
	metrics  FailoverMetrics
	warn     *rate.Sometimes
}

// NewFailoverStore wraps primary and fallback. metrics may be nil.
func NewFailoverStore(primary, fallback Store, opts FailoverOptions, logger *slog.Logger, metrics FailoverMetrics) *FailoverStore {
	opts.withDefaults()
	f := &FailoverStore{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		logger:   logger.With("component", "store"),
		metrics:  metrics,
		warn:     &rate.Sometimes{First: 1, Interval: opts.WarnInterval},
	}

	f.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-primary",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return !primaryUnusable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("store breaker state change", "name", name, "from", from.String(), "to", to.String())
			if f.metrics != nil {
				f.metrics.SetStorePrimaryState(gaugeFor(to))
			}
		},
	})
	return f
}

// gaugeFor maps a gobreaker state to the shared breaker gauge encoding.
func gaugeFor(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Degraded reports whether the primary is currently bypassed.
func (f *FailoverStore) Degraded() bool {
	return f.cb.State() != gobreaker.StateClosed
}

// PrimaryState is the primary breaker state ("closed", "half-open", "open").
func (f *FailoverStore) PrimaryState() string {
	return f.cb.State().String()
}

// primaryUnusable reports whether err means the primary cannot serve
// right now. A READONLY reply comes from a demoted master after failover.
func primaryUnusable(err error) bool {
	return redis.IsConnectivityErr(err) || redis.IsReadOnlyErr(err)
}

// shouldFallback reports whether err from the guarded call means the
// primary is unusable, as opposed to a normal reply such as ErrNotFound.
func shouldFallback(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		primaryUnusable(err)
}

// run executes op on the primary through the breaker and on the fallback
// when the primary is unusable.
func run[T any](ctx context.Context, f *FailoverStore, name string, op func(context.Context, Store) (T, error)) (T, error) {
	res, err := f.cb.Execute(func() (any, error) {
		pctx, cancel := context.WithTimeout(ctx, f.opts.OperationTimeout)
		defer cancel()
		return op(pctx, f.primary)
	})
	if err == nil || !shouldFallback(err) {
		v, _ := res.(T)
		return v, err
	}
	if ctx.Err() != nil {
		var zero T
		return zero, ctx.Err()
	}

	if f.metrics != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.metrics.IncStoreErrors()
		}
		f.metrics.IncStoreFallback()
	}
	f.warn.Do(func() {
		f.logger.Warn("primary store unavailable, using in-memory fallback", "op", name, "error", err)
	})
	return op(ctx, f.fallback)
}

func (f *FailoverStore) Get(ctx context.Context, key string) (string, error) {
	return run(ctx, f, "get", func(ctx context.Context, s Store) (string, error) {
		return s.Get(ctx, key)
	})
}

func (f *FailoverStore) Set(ctx context.Context, key, value string) error {
	_, err := run(ctx, f, "set", func(ctx context.Context, s Store) (struct{}, error) {
		return struct{}{}, s.Set(ctx, key, value)
	})
	return err
}

func (f *FailoverStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := run(ctx, f, "setex", func(ctx context.Context, s Store) (struct{}, error) {
		return struct{}{}, s.SetEx(ctx, key, value, ttl)
	})
	return err
}

func (f *FailoverStore) Incr(ctx context.Context, key string) (int64, error) {
	return run(ctx, f, "incr", func(ctx context.Context, s Store) (int64, error) {
		return s.Incr(ctx, key)
	})
}

type windowReply struct {
	n   int64
	ttl time.Duration
}

func (f *FailoverStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	r, err := run(ctx, f, "incr_window", func(ctx context.Context, s Store) (windowReply, error) {
		n, ttl, err := s.IncrWindow(ctx, key, window)
		return windowReply{n: n, ttl: ttl}, err
	})
	return r.n, r.ttl, err
}

func (f *FailoverStore) Del(ctx context.Context, keys ...string) error {
	_, err := run(ctx, f, "del", func(ctx context.Context, s Store) (struct{}, error) {
		return struct{}{}, s.Del(ctx, keys...)
	})
	return err
}

func (f *FailoverStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return run(ctx, f, "keys", func(ctx context.Context, s Store) ([]string, error) {
		return s.Keys(ctx, pattern)
	})
}

// Ping checks the primary directly, bypassing the breaker, so readiness
// reflects the real shared store.
func (f *FailoverStore) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

// Close closes both stores.
func (f *FailoverStore) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
