// Package loadbalancer keeps the per-service instance pools, probes their
// health and selects an instance for each request.
package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/events"
	"github.com/edgequota/edgegate/internal/store"
)

var (
	ErrUnknownService     = errors.New("loadbalancer: unknown service")
	ErrNoHealthyInstances = errors.New("loadbalancer: no healthy instances")
	ErrDuplicateInstance  = errors.New("loadbalancer: duplicate instance id")
	ErrLastInstance       = errors.New("loadbalancer: cannot remove the last instance")
	ErrInstanceNotFound   = errors.New("loadbalancer: instance not found")
)

// Metrics is the telemetry the balancer and its monitors emit.
type Metrics interface {
	HealthMetrics
	DeleteInstance(service, instance string)
}

// Options carries the collaborators of a Balancer.
type Options struct {
	Logger    *slog.Logger
	Store     store.Store
	Publisher events.Publisher
	Metrics   Metrics
	// Probers overrides the prober per service; used by tests.
	Probers map[string]Prober
}

type service struct {
	pool    *Pool
	monitor *Monitor
}

// Balancer routes requests to instances of named services.
type Balancer struct {
	logger    *slog.Logger
	store     store.Store
	publisher events.Publisher
	metrics   Metrics

	mu       sync.RWMutex
	services map[string]*service
	sticky   StickySettings

	wg sync.WaitGroup
}

// New builds one pool and monitor per configured service.
func New(cfg *config.Config, o Options) (*Balancer, error) {
	b := &Balancer{
		logger:    o.Logger,
		store:     o.Store,
		publisher: o.Publisher,
		metrics:   o.Metrics,
		services:  make(map[string]*service, len(cfg.Services)),
		sticky:    StickySettingsFrom(cfg.Sticky),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "loadbalancer")
	if b.publisher == nil {
		b.publisher = events.Discard
	}

	for _, svc := range cfg.Services {
		pool, err := NewPool(svc)
		if err != nil {
			return nil, err
		}
		mo := MonitorOptions{
			Logger:    o.Logger,
			Store:     o.Store,
			Publisher: b.publisher,
			Metrics:   o.Metrics,
			Prober:    o.Probers[svc.Name],
		}
		b.services[svc.Name] = &service{pool: pool, monitor: NewMonitor(pool, svc.HealthCheck, mo)}
	}
	return b, nil
}

// Start runs the first health round of every pool synchronously, then
// keeps probing in the background until ctx is done.
func (b *Balancer) Start(ctx context.Context) {
	b.mu.RLock()
	svcs := make([]*service, 0, len(b.services))
	for _, s := range b.services {
		svcs = append(svcs, s)
	}
	b.mu.RUnlock()

	var init sync.WaitGroup
	for _, s := range svcs {
		init.Add(1)
		go func() {
			defer init.Done()
			s.monitor.Init(ctx)
		}()
	}
	init.Wait()

	for _, s := range svcs {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			s.monitor.Run(ctx)
		}()
	}
}

// Close waits for the monitors to stop and releases prober connections.
// The context passed to Start must be canceled first.
func (b *Balancer) Close() error {
	b.wg.Wait()
	b.mu.RLock()
	defer b.mu.RUnlock()
	var errs []error
	for _, s := range b.services {
		errs = append(errs, s.monitor.Close())
	}
	return errors.Join(errs...)
}

// Reload applies the hot-reloadable pool settings.
func (b *Balancer) Reload(cfg *config.Config) {
	b.mu.Lock()
	b.sticky = StickySettingsFrom(cfg.Sticky)
	b.mu.Unlock()
	for _, svc := range cfg.Services {
		if p, ok := b.Pool(svc.Name); ok {
			p.Configure(svc.Algorithm, svc.StickySessions)
		}
	}
}

// SessionKey extracts the sticky session key of r.
func (b *Balancer) SessionKey(r *http.Request) string {
	b.mu.RLock()
	s := b.sticky
	b.mu.RUnlock()
	return s.SessionKey(r)
}

func (b *Balancer) lookup(name string) (*service, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.services[name]
	return s, ok
}

// Pool returns the pool of service.
func (b *Balancer) Pool(name string) (*Pool, bool) {
	s, ok := b.lookup(name)
	if !ok {
		return nil, false
	}
	return s.pool, true
}

// Pools returns every pool sorted by name.
func (b *Balancer) Pools() []*Pool {
	b.mu.RLock()
	out := make([]*Pool, 0, len(b.services))
	for _, s := range b.services {
		out = append(out, s.pool)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(x, y *Pool) int { return strings.Compare(x.Name(), y.Name()) })
	return out
}

// SelectInstance picks a healthy instance of service. Sticky pools first
// honor an existing binding for rc.SessionKey; a binding to a missing or
// unhealthy instance is replaced.
func (b *Balancer) SelectInstance(ctx context.Context, service string, rc RequestContext) (*Instance, error) {
	s, ok := b.lookup(service)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	pool := s.pool
	healthy := pool.Healthy()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstances, service)
	}

	if !pool.Sticky() || rc.SessionKey == "" || b.store == nil {
		return pool.pick(healthy, rc), nil
	}

	key := store.StickyKey(service, rc.SessionKey)
	id, err := b.store.Get(ctx, key)
	switch {
	case err == nil:
		if in, ok := pool.Get(id); ok && in.Healthy() {
			return in, nil
		}
		if err := b.store.Del(ctx, key); err != nil {
			b.logger.Debug("failed to drop stale sticky binding", "service", service, "error", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		b.logger.Debug("sticky lookup failed", "service", service, "error", err)
	}

	in := pool.pick(healthy, rc)
	b.mu.RLock()
	ttl := b.sticky.TTL
	b.mu.RUnlock()
	if err := b.store.SetEx(ctx, key, in.ID, ttl); err != nil {
		b.logger.Debug("failed to persist sticky binding", "service", service, "error", err)
	}
	return in, nil
}

// AddInstance validates ic and adds it to service. The new instance is
// probed once before it takes traffic.
func (b *Balancer) AddInstance(ctx context.Context, service string, ic config.InstanceConfig) (*Instance, error) {
	s, ok := b.lookup(service)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	if ic.Weight == 0 {
		ic.Weight = 1
	}
	in, err := NewInstance(ic)
	if err != nil {
		return nil, err
	}
	if err := s.pool.Add(in); err != nil {
		return nil, err
	}
	s.monitor.Adopt(ctx, in)

	b.logger.Info("instance added", "service", service, "instance", in.ID, "url", in.URL, "health", in.Health().String())
	b.publisher.Publish(events.StateChange{
		Kind:     events.KindInstanceAdded,
		Service:  service,
		Instance: in.ID,
		To:       in.Health().String(),
	})
	return in, nil
}

// RemoveInstance drops instance id from service.
func (b *Balancer) RemoveInstance(ctx context.Context, service, id string) error {
	s, ok := b.lookup(service)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	in, err := s.pool.Remove(id)
	if err != nil {
		return err
	}
	s.monitor.Forget(id)
	if b.metrics != nil {
		b.metrics.DeleteInstance(service, id)
	}
	if b.store != nil {
		if err := b.store.Del(ctx, store.HealthKey(service, id)); err != nil {
			b.logger.Debug("failed to delete health flag", "service", service, "instance", id, "error", err)
		}
	}

	b.logger.Info("instance removed", "service", service, "instance", id, "active_connections", in.ActiveConnections())
	b.publisher.Publish(events.StateChange{
		Kind:     events.KindInstanceRemoved,
		Service:  service,
		Instance: id,
		From:     in.Health().String(),
		To:       "removed",
	})
	return nil
}

// ServiceStatus is the admin view of a pool.
type ServiceStatus struct {
	Service        string            `json:"service"`
	Algorithm      config.Algorithm  `json:"algorithm"`
	StickySessions bool              `json:"sticky_sessions"`
	HealthChecks   bool              `json:"health_checks"`
	Healthy        int               `json:"healthy"`
	Total          int               `json:"total"`
	Instances      []InstanceStatus  `json:"instances"`
	StoreHealth    map[string]string `json:"store_health,omitempty"`
}

// Status reports every pool, including the health flags found in the
// store. Store errors leave StoreHealth empty.
func (b *Balancer) Status(ctx context.Context) []ServiceStatus {
	pools := b.Pools()
	out := make([]ServiceStatus, 0, len(pools))
	for _, p := range pools {
		s, _ := b.lookup(p.Name())
		st := ServiceStatus{
			Service:        p.Name(),
			Algorithm:      p.Algorithm(),
			StickySessions: p.Sticky(),
			HealthChecks:   s.monitor.Enabled(),
		}
		st.Healthy, st.Total = p.Counts()
		for _, in := range p.Instances() {
			st.Instances = append(st.Instances, in.Status())
		}
		st.StoreHealth = b.storeHealth(ctx, p.Name())
		out = append(out, st)
	}
	return out
}

func (b *Balancer) storeHealth(ctx context.Context, service string) map[string]string {
	if b.store == nil {
		return nil
	}
	prefix := store.HealthKey(service, "")
	keys, err := b.store.Keys(ctx, prefix+"*")
	if err != nil || len(keys) == 0 {
		return nil
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := b.store.Get(ctx, k)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out
}
