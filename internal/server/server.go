// Package server wires the gateway together. The main listener carries API
// traffic and the admin API; the probe listener exposes startup, liveness
// and readiness probes plus Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/edgequota/edgegate/internal/admin"
	"github.com/edgequota/edgegate/internal/circuitbreaker"
	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/events"
	"github.com/edgequota/edgegate/internal/fallback"
	"github.com/edgequota/edgegate/internal/loadbalancer"
	"github.com/edgequota/edgegate/internal/middleware"
	"github.com/edgequota/edgegate/internal/observability"
	"github.com/edgequota/edgegate/internal/proxy"
	iredis "github.com/edgequota/edgegate/internal/redis"
	"github.com/edgequota/edgegate/internal/store"
	"github.com/edgequota/edgegate/internal/version"
)

// Server owns every gateway component and both listeners.
type Server struct {
	mu     sync.Mutex
	cfg    *config.Config
	logger *slog.Logger

	version     string
	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server

	store     store.Store
	emitter   *events.Emitter
	breakers  *circuitbreaker.Engine
	balancer  *loadbalancer.Balancer
	forwarder *proxy.Forwarder
	fallback  *fallback.Cache
	usage     *version.Usage
	chain     *middleware.Chain
	admin     *admin.Handler

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled.
	ready           chan struct{}
}

// New builds the store, events, breakers, balancer, forwarder, fallback
// cache, pipeline and admin API from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	iredis.InitLogger(logger)
	st, err := buildStore(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	health.SetStorePinger(st)

	s, err := assemble(cfg, logger, version, st, metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	s.health = health
	s.adminServer = buildAdminServer(cfg, health, reg)
	return s, nil
}

// assemble constructs the request path on top of an existing store.
func assemble(cfg *config.Config, logger *slog.Logger, ver string, st store.Store, metrics *observability.Metrics) (*Server, error) {
	emitter := events.NewEmitter(cfg.Events, logger, metrics,
		events.LogSink{Logger: logger}, events.MetricsSink{Metrics: metrics})

	statusTTL := config.MustParseDuration(cfg.CircuitBreaker.StatusTTL, 5*time.Minute)
	breakers := circuitbreaker.NewEngine(logger,
		circuitbreaker.WithStatusStore(st, statusTTL),
		circuitbreaker.WithPublisher(emitter),
		circuitbreaker.WithMetrics(metrics),
	)

	balancer, err := loadbalancer.New(cfg, loadbalancer.Options{
		Logger:    logger,
		Store:     st,
		Publisher: emitter,
		Metrics:   metrics,
	})
	if err != nil {
		_ = emitter.Close()
		return nil, fmt.Errorf("create load balancer: %w", err)
	}

	if cfg.Proxy.TLSInsecureVerify {
		logger.Warn("SECURITY WARNING: upstream TLS certificate verification is DISABLED (tls_insecure_skip_verify=true)")
	}
	forwarder := proxy.New(cfg.Proxy, logger)

	fb := fallback.New(cfg, st, logger)
	fb.OnServe = func(service string, _ config.FallbackMode) { metrics.IncFallbackServed(service) }

	usage := version.NewUsage(st, logger)

	chain, err := middleware.NewChain(cfg, middleware.Deps{
		Counter:   st,
		Breakers:  breakers,
		Balancer:  balancer,
		Forwarder: forwarder,
		Fallback:  fb,
		Usage:     usage,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		usage.Close()
		forwarder.Close()
		_ = emitter.Close()
		return nil, fmt.Errorf("create middleware chain: %w", err)
	}

	adm := admin.New(cfg, admin.Options{
		Version:  ver,
		Store:    st,
		Balancer: balancer,
		Breakers: breakers,
		Metrics:  metrics,
		Usage:    usage,
		Events:   emitter,
		Logger:   logger,
	})

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		version:   ver,
		store:     st,
		emitter:   emitter,
		breakers:  breakers,
		balancer:  balancer,
		forwarder: forwarder,
		fallback:  fb,
		usage:     usage,
		chain:     chain,
		admin:     adm,
		metrics:   metrics,
		ready:     make(chan struct{}),
	}
	s.mainServer, s.http3Server = buildMainServer(cfg, s.Handler(), logger)
	return s, nil
}

// buildStore returns the shared TTL store. With memory_fallback on, an
// unreachable Redis at startup is not fatal: the failover store serves from
// memory until the primary answers again.
func buildStore(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (store.Store, error) {
	sc := cfg.Store
	if sc.Backend == config.StoreBackendMemory {
		logger.Info("using in-memory store; state is not shared between replicas")
		mem, err := store.NewMemoryStore(sc.MemoryMaxCost)
		if err != nil {
			return nil, fmt.Errorf("create memory store: %w", err)
		}
		return mem, nil
	}

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	client, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		if !sc.MemoryFallback {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Warn("redis unreachable at startup, starting degraded", "error", err)
		client, err = iredis.NewClientWithoutPing(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
	}
	primary := store.NewRedisStore(client)
	if !sc.MemoryFallback {
		return primary, nil
	}

	mem, err := store.NewMemoryStore(sc.MemoryMaxCost)
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("create memory store: %w", err)
	}
	return store.NewFailoverStore(primary, mem, store.FailoverOptions{
		ConsecutiveFailures: sc.Breaker.ConsecutiveFailures,
		OpenTimeout:         config.MustParseDuration(sc.Breaker.OpenTimeout, 0),
		OperationTimeout:    config.MustParseDuration(sc.OperationTimeout, 0),
	}, logger, metrics), nil
}

// Handler routes admin paths through the protective stages of the pipeline
// and everything else through the full pipeline.
func (s *Server) Handler() http.Handler {
	protected := s.chain.Protect(s.admin)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if admin.Handles(r.URL.Path) {
			protected.ServeHTTP(w, r)
			return
		}
		s.chain.ServeHTTP(w, r)
	})
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var h3srv *http3.Server
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false,
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
					logger.Debug("failed to set Alt-Svc header", "error", err)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder swaps the serving certificate atomically.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new pair from disk. On error the old certificate stays.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Ready is closed once the main listener has bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Run starts health probing, the breaker sweeper and both listeners, then
// blocks until ctx is canceled and drains.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			s.close()
			return certErr
		}
		s.certs = ch
		tlsCfg := &tls.Config{
			MinVersion:     max(tlsMinVersion(s.cfg), tls.VersionTLS12),
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	// The first health round is synchronous so the pools are accurate before
	// the listener accepts traffic.
	s.balancer.Start(bgCtx)
	sweep := config.MustParseDuration(s.cfg.CircuitBreaker.SweepInterval, time.Second)
	go s.breakers.Run(bgCtx, sweep)

	errCh := make(chan error, 3)
	go s.startAdminServer(errCh)
	go s.startMainServer(errCh)
	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-s.ready:
		s.health.SetReady()
		s.logger.Info("edgegate is ready", "version", s.version, "services", len(s.cfg.Services))
	case srvErr := <-errCh:
		stopBackground()
		s.shutdown()
		return srvErr
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case runErr = <-errCh:
	}

	stopBackground()
	s.shutdown()
	return runErr
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("probe server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("probe server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.http3Server != nil)

	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", err)
		return
	}
	close(s.ready)

	if s.mainServer.TLSConfig != nil {
		ln = tls.NewListener(ln, s.mainServer.TLSConfig)
	}
	if err := s.mainServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	if err := s.http3Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload applies a new config to every hot-reloadable component. Fields
// listed by RequiresRestart keep their running values until the next start.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}
	if err := s.chain.Reload(newCfg); err != nil {
		return err
	}
	s.balancer.Reload(newCfg)
	s.fallback.Reload(newCfg)
	s.admin.Reload(newCfg)

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		s.reloadCerts(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile)
	}
	s.cfg = newCfg
	return nil
}

// ReloadCerts swaps the serving certificate. It is a no-op without TLS.
func (s *Server) ReloadCerts(certFile, keyFile string) {
	if s.certs == nil {
		return
	}
	s.reloadCerts(certFile, keyFile)
}

func (s *Server) reloadCerts(certFile, keyFile string) {
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded")
}

func (s *Server) shutdown() {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Error("probe server shutdown error", "error", err)
	}

	s.close()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
	s.logger.Info("shutdown complete")
}

// close releases the components behind the listeners. The emitter and the
// usage writer flush before the store closes.
func (s *Server) close() {
	if err := s.balancer.Close(); err != nil {
		s.logger.Error("load balancer close error", "error", err)
	}
	s.forwarder.Close()
	s.usage.Close()
	if err := s.emitter.Close(); err != nil {
		s.logger.Error("event emitter close error", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}
}
