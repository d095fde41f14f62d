package loadbalancer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/events"
	"github.com/edgequota/edgegate/internal/store"
)

// Prober checks one instance. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, in *Instance) error
	Close() error
}

// HTTPProber GETs the instance URL plus Path. 2xx and 3xx are healthy;
// redirects are not followed.
type HTTPProber struct {
	Client *http.Client
	Path   string
}

// NewHTTPProber creates an HTTPProber with its own client.
func NewHTTPProber(path string) *HTTPProber {
	return &HTTPProber{
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		Path: path,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, in *Instance) error {
	u := *in.Target()
	u.Path = strings.TrimRight(u.Path, "/") + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPProber) Close() error {
	p.Client.CloseIdleConnections()
	return nil
}

// GRPCProber calls grpc.health.v1.Health/Check and requires SERVING.
// Connections are pooled per instance address.
type GRPCProber struct {
	Service string

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCProber(service string) *GRPCProber {
	return &GRPCProber{Service: service, conns: make(map[string]*grpc.ClientConn)}
}

func (p *GRPCProber) Probe(ctx context.Context, in *Instance) error {
	conn, err := p.conn(in)
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		p.drop(in.Target().Host)
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

func (p *GRPCProber) conn(in *Instance) (*grpc.ClientConn, error) {
	addr := in.Target().Host
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[addr]; ok {
		if s := c.GetState(); s != connectivity.Shutdown && s != connectivity.TransientFailure {
			return c, nil
		}
		_ = c.Close()
		delete(p.conns, addr)
	}

	creds := insecure.NewCredentials()
	if in.Target().Scheme == "https" {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	c, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

func (p *GRPCProber) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[addr]; ok {
		_ = c.Close()
		delete(p.conns, addr)
	}
}

func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.conns {
		_ = c.Close()
		delete(p.conns, addr)
	}
	return nil
}

// StatusWriter is the store operation used to publish health flags.
type StatusWriter interface {
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
}

// HealthMetrics receives health telemetry. *observability.Metrics satisfies it.
type HealthMetrics interface {
	SetInstanceHealth(service, instance string, healthy bool)
	IncHealthTransition(service, instance, to string)
}

// MonitorOptions carries the collaborators of a Monitor. Zero values are
// valid and disable the corresponding side effect.
type MonitorOptions struct {
	Logger      *slog.Logger
	Store       StatusWriter
	Publisher   events.Publisher
	Metrics     HealthMetrics
	Prober      Prober
	Concurrency int
}

type streak struct {
	ok, fail int
}

// Monitor probes the instances of one pool on a fixed interval. An unknown
// instance takes the first probe result; after that a flip needs the
// configured number of consecutive results.
type Monitor struct {
	pool               *Pool
	enabled            bool
	prober             Prober
	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	concurrency        int

	logger    *slog.Logger
	store     StatusWriter
	publisher events.Publisher
	metrics   HealthMetrics

	mu      sync.Mutex
	streaks map[string]*streak
}

// NewMonitor creates the monitor of pool from validated config.
func NewMonitor(pool *Pool, hc config.HealthCheckConfig, o MonitorOptions) *Monitor {
	m := &Monitor{
		pool:               pool,
		enabled:            hc.IsEnabled(),
		prober:             o.Prober,
		interval:           config.MustParseDuration(hc.Interval, 10*time.Second),
		timeout:            config.MustParseDuration(hc.Timeout, 2*time.Second),
		healthyThreshold:   max(hc.HealthyThreshold, 1),
		unhealthyThreshold: max(hc.UnhealthyThreshold, 1),
		concurrency:        o.Concurrency,
		logger:             o.Logger,
		store:              o.Store,
		publisher:          o.Publisher,
		metrics:            o.Metrics,
		streaks:            make(map[string]*streak),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "health", "service", pool.Name())
	if m.publisher == nil {
		m.publisher = events.Discard
	}
	if m.concurrency <= 0 {
		m.concurrency = 8
	}
	if !m.enabled {
		for _, in := range pool.Instances() {
			m.markHealthyUnprobed(in)
		}
	}
	if m.prober == nil {
		if hc.Type == config.HealthCheckGRPC {
			m.prober = NewGRPCProber(hc.GRPCService)
		} else {
			m.prober = NewHTTPProber(hc.Path)
		}
	}
	return m
}

// Enabled reports whether probing is on for the pool.
func (m *Monitor) Enabled() bool { return m.enabled }

// Init runs the first round synchronously. With probing disabled every
// instance is marked healthy instead.
func (m *Monitor) Init(ctx context.Context) {
	if !m.enabled {
		for _, in := range m.pool.Instances() {
			m.markHealthyUnprobed(in)
		}
		return
	}
	m.CheckAll(ctx)
}

// Run probes every interval until ctx is done. It returns at once when
// probing is disabled.
func (m *Monitor) Run(ctx context.Context) {
	if !m.enabled {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every instance concurrently and waits for the round.
func (m *Monitor) CheckAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, in := range m.pool.Instances() {
		g.Go(func() error {
			m.check(ctx, in)
			return nil
		})
	}
	_ = g.Wait()
}

// Adopt brings an instance added at runtime into service: probed once when
// probing is on, otherwise marked healthy.
func (m *Monitor) Adopt(ctx context.Context, in *Instance) {
	if !m.enabled {
		m.markHealthyUnprobed(in)
		return
	}
	m.check(ctx, in)
}

// Forget drops the probe history of a removed instance.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	delete(m.streaks, id)
	m.mu.Unlock()
}

func (m *Monitor) Close() error { return m.prober.Close() }

func (m *Monitor) markHealthyUnprobed(in *Instance) {
	in.SetHealth(HealthHealthy)
	if m.metrics != nil {
		m.metrics.SetInstanceHealth(m.pool.Name(), in.ID, true)
	}
}

func (m *Monitor) check(ctx context.Context, in *Instance) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	start := time.Now()
	err := m.prober.Probe(pctx, in)
	elapsed := time.Since(start)
	cancel()
	if ctx.Err() != nil {
		return
	}

	in.ObserveResponse(elapsed)
	in.markChecked(start.Add(elapsed))
	m.apply(in, err)
	m.publishFlag(ctx, in)
}

func (m *Monitor) apply(in *Instance, probeErr error) {
	ok := probeErr == nil

	m.mu.Lock()
	s, found := m.streaks[in.ID]
	if !found {
		s = &streak{}
		m.streaks[in.ID] = s
	}
	if ok {
		s.ok++
		s.fail = 0
	} else {
		s.fail++
		s.ok = 0
	}
	cur := in.Health()
	next := cur
	switch {
	case ok && cur != HealthHealthy && (cur == HealthUnknown || s.ok >= m.healthyThreshold):
		next = HealthHealthy
	case !ok && cur != HealthUnhealthy && (cur == HealthUnknown || s.fail >= m.unhealthyThreshold):
		next = HealthUnhealthy
	}
	if next != cur {
		in.SetHealth(next)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetInstanceHealth(m.pool.Name(), in.ID, next == HealthHealthy)
	}
	if next == cur {
		return
	}

	reason := "probe succeeded"
	if next == HealthHealthy {
		m.logger.Info("instance healthy", "instance", in.ID, "from", cur.String())
	} else {
		reason = probeErr.Error()
		m.logger.Warn("instance unhealthy", "instance", in.ID, "from", cur.String(), "error", probeErr)
	}
	if m.metrics != nil {
		m.metrics.IncHealthTransition(m.pool.Name(), in.ID, next.String())
	}
	m.publisher.Publish(events.StateChange{
		Kind:     events.KindInstanceHealth,
		Service:  m.pool.Name(),
		Instance: in.ID,
		From:     cur.String(),
		To:       next.String(),
		Reason:   reason,
	})
}

// publishFlag writes health:{service}:{instance}, expiring after three
// missed rounds.
func (m *Monitor) publishFlag(ctx context.Context, in *Instance) {
	if m.store == nil {
		return
	}
	if err := m.store.SetEx(ctx, store.HealthKey(m.pool.Name(), in.ID), in.Health().String(), 3*m.interval); err != nil {
		m.logger.Debug("failed to publish health flag", "instance", in.ID, "error", err)
	}
}
