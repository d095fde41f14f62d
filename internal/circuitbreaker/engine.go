package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgequota/edgegate/internal/events"
	"github.com/edgequota/edgegate/internal/store"
)

// ErrUnknownService is returned for a service without a breaker.
var ErrUnknownService = errors.New("circuitbreaker: unknown service")

// StatusWriter is the store operation used to publish breaker status.
type StatusWriter interface {
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
}

// Metrics receives breaker telemetry. *observability.Metrics satisfies it.
type Metrics interface {
	SetBreakerState(service string, gauge int)
	IncBreakerTransition(service, to string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.clock = now } }

// WithStatusStore publishes every transition to service:status:{name}.
func WithStatusStore(w StatusWriter, ttl time.Duration) Option {
	return func(e *Engine) {
		e.status = w
		e.statusTTL = ttl
	}
}

// WithPublisher sends transitions to p.
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithMetrics records state gauges and transition counters.
func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

// Engine owns one Breaker per service.
type Engine struct {
	logger    *slog.Logger
	clock     func() time.Time
	status    StatusWriter
	statusTTL time.Duration
	publisher events.Publisher
	metrics   Metrics

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewEngine creates an engine with no breakers.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger.With("component", "circuitbreaker"),
		clock:     time.Now,
		statusTTL: 5 * time.Minute,
		publisher: events.Discard,
		breakers:  make(map[string]*Breaker),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register creates the breaker for service, or updates the settings of an
// existing one without touching its state.
func (e *Engine) Register(service string, s Settings) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[service]; ok {
		b.Update(s)
		return b
	}
	b := newBreaker(service, s, e.clock, e.handleTransition)
	e.breakers[service] = b
	if e.metrics != nil {
		e.metrics.SetBreakerState(service, int(StateClosed))
	}
	return b
}

// Breaker returns the breaker for service.
func (e *Engine) Breaker(service string) (*Breaker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.breakers[service]
	return b, ok
}

// Allow reports whether a call to service may proceed. Services without a
// breaker are always allowed.
func (e *Engine) Allow(service string) bool {
	b, ok := e.Breaker(service)
	if !ok {
		return true
	}
	return b.Allow()
}

// RecordOutcome accounts one call to service.
func (e *Engine) RecordOutcome(service string, o Outcome) {
	if b, ok := e.Breaker(service); ok {
		b.Record(o)
	}
}

// State returns the state of service, or CLOSED for an unknown service.
func (e *Engine) State(service string) State {
	if b, ok := e.Breaker(service); ok {
		return b.State()
	}
	return StateClosed
}

// Reset forces the breaker of service CLOSED.
func (e *Engine) Reset(service string) error {
	b, ok := e.Breaker(service)
	if !ok {
		return ErrUnknownService
	}
	b.Reset()
	e.logger.Info("circuit breaker reset", "service", service)
	return nil
}

// Snapshot reports every breaker, sorted by service.
func (e *Engine) Snapshot() []Snapshot {
	e.mu.RLock()
	bs := make([]*Breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		bs = append(bs, b)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Service, b.Service) })
	return out
}

// Run applies due OPEN to HALF_OPEN moves every interval until ctx is done.
// Without it the move still happens on the next call.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	e.mu.RLock()
	bs := make([]*Breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		bs = append(bs, b)
	}
	e.mu.RUnlock()
	for _, b := range bs {
		_ = b.State()
	}
}

type statusRecord struct {
	Service         string    `json:"service"`
	State           State     `json:"state"`
	PreviousState   State     `json:"previous_state"`
	Reason          string    `json:"reason"`
	LastStateChange time.Time `json:"last_state_change"`
}

func (e *Engine) handleTransition(b *Breaker, t transition) {
	service := b.Name()
	log := e.logger.Info
	if t.to == StateOpen {
		log = e.logger.Warn
	}
	log("circuit breaker state change",
		"service", service, "from", t.from.String(), "to", t.to.String(), "reason", t.reason)

	if e.metrics != nil {
		e.metrics.SetBreakerState(service, int(t.to))
		e.metrics.IncBreakerTransition(service, t.to.String())
	}

	e.publisher.Publish(events.StateChange{
		Kind:      events.KindCircuitBreaker,
		Service:   service,
		From:      t.from.String(),
		To:        t.to.String(),
		Reason:    t.reason,
		Timestamp: t.at.UTC(),
	})

	if e.status != nil {
		e.writeStatus(service, t)
	}
}

// writeStatus is best effort; a store failure never affects breaker state.
func (e *Engine) writeStatus(service string, t transition) {
	body, err := json.Marshal(statusRecord{
		Service:         service,
		State:           t.to,
		PreviousState:   t.from,
		Reason:          t.reason,
		LastStateChange: t.at.UTC(),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.status.SetEx(ctx, store.StatusKey(service), string(body), e.statusTTL); err != nil {
		e.logger.Warn("failed to publish circuit breaker status", "service", service, "error", err)
	}
}
