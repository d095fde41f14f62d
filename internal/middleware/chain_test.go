package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgequota/edgegate/internal/circuitbreaker"
	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/fallback"
	"github.com/edgequota/edgegate/internal/loadbalancer"
	"github.com/edgequota/edgegate/internal/observability"
	"github.com/edgequota/edgegate/internal/proxy"
	"github.com/edgequota/edgegate/internal/store"
	"github.com/edgequota/edgegate/internal/version"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func disabled() *bool {
	b := false
	return &b
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// service declares a service whose instances are the given backends.
func service(name string, backends ...*httptest.Server) config.ServiceConfig {
	svc := config.ServiceConfig{
		Name:        name,
		Algorithm:   config.AlgorithmRoundRobin,
		Timeout:     "2s",
		HealthCheck: config.HealthCheckConfig{Enabled: disabled()},
	}
	for i, b := range backends {
		svc.Instances = append(svc.Instances, config.InstanceConfig{
			ID:     name + "-" + strconv.Itoa(i+1),
			URL:    b.URL,
			Weight: 1,
		})
	}
	return svc
}

type harness struct {
	chain    *Chain
	breakers *circuitbreaker.Engine
	balancer *loadbalancer.Balancer
	metrics  *observability.Metrics
	usage    *version.Usage
	clock    *fakeClock
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	logger := testLogger()
	mr := miniredis.RunT(t)
	rs := store.NewRedisStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	t.Cleanup(func() { _ = rs.Close() })

	h := &harness{clock: newFakeClock(), mr: mr}
	h.metrics = observability.NewMetrics(prometheus.NewRegistry())
	h.breakers = circuitbreaker.NewEngine(logger, circuitbreaker.WithClock(h.clock.Now))

	b, err := loadbalancer.New(cfg, loadbalancer.Options{Logger: logger, Store: rs})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
	})
	h.balancer = b

	fwd := proxy.New(cfg.Proxy, logger)
	t.Cleanup(fwd.Close)
	h.usage = version.NewUsage(rs, logger)
	t.Cleanup(h.usage.Close)

	h.chain, err = NewChain(cfg, Deps{
		Counter:   rs,
		Breakers:  h.breakers,
		Balancer:  b,
		Forwarder: fwd,
		Fallback:  fallback.New(cfg, rs, logger),
		Usage:     h.usage,
		Metrics:   h.metrics,
		Logger:    logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.chain.ServeHTTP(rec, r)
	return rec
}

func (h *harness) get(target string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var b errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b), rec.Body.String())
	assert.False(t, b.Success)
	assert.Equal(t, b.Error, b.Code)
	return b
}

// echoBackend answers 200 and records the last request it saw.
type echoBackend struct {
	*httptest.Server
	mu   sync.Mutex
	last *http.Request
	hits int
}

func newEchoBackend(t *testing.T) *echoBackend {
	t.Helper()
	e := &echoBackend{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.last = r.Clone(context.Background())
		e.hits++
		e.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Internal-Debug", "secret")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *echoBackend) lastRequest() *http.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *echoBackend) hitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits
}

func TestServeHTTP(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	cfg.Server.TrustedProxies = []string{"192.0.2.0/24"}
	cfg.Services = []config.ServiceConfig{service("users", backend.Server)}
	h := newHarness(t, cfg)

	t.Run("forwards with gateway headers", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v2/users/7?fields=name", nil)
		r.Header.Set("X-User-ID", "u-42")
		r.Header.Set("X-User-Tier", "premium")
		rec := h.do(r)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

		up := backend.lastRequest()
		require.NotNil(t, up)
		assert.Equal(t, "/api/users/7", up.URL.Path)
		assert.Equal(t, "fields=name", up.URL.RawQuery)
		assert.Equal(t, "v2", up.Header.Get("X-API-Version"))
		assert.Equal(t, "users-1", up.Header.Get("X-Instance-ID"))
		assert.Equal(t, "u-42", up.Header.Get("X-User-ID"))
		assert.Equal(t, "premium", up.Header.Get("X-User-Tier"))
		assert.Equal(t, "192.0.2.1", up.Header.Get("X-Real-IP"))
		assert.NotEmpty(t, up.Header.Get(correlationIDHeader))
		assert.Equal(t, up.Header.Get(correlationIDHeader), up.Header.Get(requestIDHeader))

		assert.Equal(t, "v2", rec.Header().Get("X-API-Version"))
		assert.Equal(t, "10000", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "9999", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Empty(t, rec.Header().Get("X-Internal-Debug"))
		assert.Equal(t, up.Header.Get(requestIDHeader), rec.Header().Get(requestIDHeader))
	})

	t.Run("valid correlation id is propagated", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
		r.Header.Set(correlationIDHeader, "trace-abc.123")
		rec := h.do(r)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "trace-abc.123", rec.Header().Get(correlationIDHeader))
		assert.Equal(t, "trace-abc.123", backend.lastRequest().Header.Get(correlationIDHeader))
	})

	t.Run("unsafe correlation id is replaced", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
		r.Header.Set(correlationIDHeader, "bad id\r\n")
		rec := h.do(r)
		_, err := uuid.Parse(rec.Header().Get(correlationIDHeader))
		assert.NoError(t, err)
	})

	t.Run("unknown service", func(t *testing.T) {
		before := backend.hitCount()
		for _, target := range []string{"/api/orders/1", "/api/v2/", "/health"} {
			rec := h.get(target)
			assert.Equal(t, http.StatusNotFound, rec.Code, target)
			assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"), "unrouted requests are not charged")
			body := decodeError(t, rec)
			assert.Equal(t, CodeServiceNotFound, body.Error)
			assert.NotEmpty(t, body.RequestID)
		}
		assert.Equal(t, before, backend.hitCount())
	})

	t.Run("metrics", func(t *testing.T) {
		perf := h.metrics.Performance()
		require.NotEmpty(t, perf)
		stages := h.metrics.StageCounts()
		for _, s := range []string{stageVersion, stageRoute, stageRateLimit, stageBreaker, stageSelect, stageForward} {
			assert.Positive(t, stages[s], s)
		}
		assert.Positive(t, h.metrics.VersionCounts()["v2"])
	})
}

func TestVersioning(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	cfg.Services = []config.ServiceConfig{service("users", backend.Server)}
	h := newHarness(t, cfg)

	t.Run("accept header beats query", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/users/1?version=v1", nil)
		r.Header.Set("Accept", "application/vnd.edgegate.v2+json")
		rec := h.do(r)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "v2", backend.lastRequest().Header.Get("X-API-Version"))
		assert.Empty(t, rec.Header().Get("Deprecation"))
	})

	t.Run("unsupported version is rejected", func(t *testing.T) {
		before := backend.hitCount()
		rec := h.get("/api/users/1?version=v9")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, version.ErrorCode, body.Error)
		assert.Equal(t, []string{"v1", "v2"}, body.SupportedVersions)
		assert.NotEmpty(t, body.Examples)
		assert.Equal(t, before, backend.hitCount())
	})

	t.Run("deprecated version carries sunset headers", func(t *testing.T) {
		rec := h.get("/api/v1/users/1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "/api/users/1", backend.lastRequest().URL.Path)
		assert.Equal(t, "true", rec.Header().Get("Deprecation"))
		assert.NotEmpty(t, rec.Header().Get("Sunset"))
		assert.Contains(t, rec.Header().Get("Warning"), "299")
		assert.Contains(t, rec.Header().Get("Link"), `rel="successor-version"`)
	})

	t.Run("usage is counted in the store", func(t *testing.T) {
		require.Eventually(t, func() bool {
			for _, c := range h.usage.Snapshot(context.Background(), []string{"v1", "v2"}) {
				if c.Process == 0 || c.Store == nil || *c.Store != c.Process {
					return false
				}
			}
			return true
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestRateLimiting(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	cfg.RateLimit.Tiers["free"] = 3
	cfg.RateLimit.Strict.Limit = 2
	cfg.Server.TrustedProxies = []string{"192.0.2.0/24", "203.0.113.0/24"}
	cfg.Services = []config.ServiceConfig{service("users", backend.Server), service("auth", backend.Server)}
	h := newHarness(t, cfg)

	t.Run("exactly limit requests pass", func(t *testing.T) {
		for i := range 3 {
			rec := h.get("/api/users/1")
			require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
			assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get("X-RateLimit-Remaining"))
		}
		rec := h.get("/api/users/1")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		body := decodeError(t, rec)
		assert.Equal(t, CodeRateLimited, body.Error)
		assert.GreaterOrEqual(t, body.RetryAfter, 1.0)
		assert.Equal(t, int64(1), h.metrics.Snapshot().RateLimited)
	})

	t.Run("clients are counted apart", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
		r.RemoteAddr = "198.51.100.7:5000"
		assert.Equal(t, http.StatusOK, h.do(r).Code)
	})

	t.Run("unlimited tier skips counting", func(t *testing.T) {
		for range 5 {
			r := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
			r.Header.Set("X-User-Tier", "admin")
			rec := h.do(r)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		}
	})

	t.Run("strict limit on sensitive paths", func(t *testing.T) {
		do := func() *httptest.ResponseRecorder {
			r := httptest.NewRequest(http.MethodPost, "/api/v2/auth/login", nil)
			r.RemoteAddr = "203.0.113.50:4000"
			r.Header.Set("X-User-Tier", "admin")
			return h.do(r)
		}
		assert.Equal(t, http.StatusOK, do().Code)
		assert.Equal(t, http.StatusOK, do().Code)
		rec := do()
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, CodeStrictRateLimited, decodeError(t, rec).Error)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, int64(1), h.metrics.Snapshot().StrictLimited)
	})
}

func TestUntrustedIdentityHeaders(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	cfg.RateLimit.Tiers["free"] = 2
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
	cfg.Services = []config.ServiceConfig{service("users", backend.Server)}
	h := newHarness(t, cfg)

	direct := func(xff string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
		r.RemoteAddr = "198.51.100.20:7000"
		r.Header.Set("X-User-Tier", "admin")
		r.Header.Set("X-User-ID", "u-1")
		r.Header.Set("X-Forwarded-For", xff)
		return r
	}

	t.Run("direct client cannot claim a tier", func(t *testing.T) {
		rec := h.do(direct("1.2.3.4"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

		up := backend.lastRequest()
		require.NotNil(t, up)
		assert.Equal(t, "free", up.Header.Get("X-User-Tier"))
		assert.Empty(t, up.Header.Get("X-User-ID"))
		assert.Equal(t, "198.51.100.20", up.Header.Get("X-Real-IP"))
	})

	t.Run("spoofed forwarded for shares the peer bucket", func(t *testing.T) {
		require.Equal(t, http.StatusOK, h.do(direct("5.6.7.8")).Code)
		assert.Equal(t, http.StatusTooManyRequests, h.do(direct("9.10.11.12")).Code)
	})

	t.Run("trusted proxy headers are honored", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
		r.RemoteAddr = "10.0.0.5:7000"
		r.Header.Set("X-User-Tier", "premium")
		r.Header.Set("X-User-ID", "u-2")
		r.Header.Set("X-Forwarded-For", "198.51.100.20")
		rec := h.do(r)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10000", rec.Header().Get("X-RateLimit-Limit"))

		up := backend.lastRequest()
		assert.Equal(t, "premium", up.Header.Get("X-User-Tier"))
		assert.Equal(t, "u-2", up.Header.Get("X-User-ID"))
		assert.Equal(t, "198.51.100.20", up.Header.Get("X-Real-IP"))
	})
}

func TestRateLimitStoreFailure(t *testing.T) {
	backend := newEchoBackend(t)

	t.Run("passthrough forwards", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Services = []config.ServiceConfig{service("users", backend.Server)}
		h := newHarness(t, cfg)
		h.mr.Close()

		rec := h.get("/api/users/1")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		assert.Positive(t, h.metrics.Snapshot().StoreErrors)
	})

	t.Run("failclosed rejects", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.RateLimit.FailurePolicy = config.FailurePolicyFailClosed
		cfg.Services = []config.ServiceConfig{service("users", backend.Server)}
		h := newHarness(t, cfg)
		h.mr.Close()

		rec := h.get("/api/users/1")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, CodeRateLimited, decodeError(t, rec).Error)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})
}

func TestBreakerGate(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	static := service("catalog", backend.Server)
	static.Fallback = config.FallbackConfig{
		Mode:        config.FallbackModeStatic,
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        `{"items":[]}`,
	}
	cfg.Services = []config.ServiceConfig{service("users", backend.Server), static}
	h := newHarness(t, cfg)

	open := func(svc string) {
		b, ok := h.breakers.Breaker(svc)
		require.True(t, ok)
		for range 10 {
			require.True(t, b.Allow())
			b.Record(circuitbreaker.Failure)
		}
		require.Equal(t, circuitbreaker.StateOpen, b.State())
	}

	t.Run("open breaker answers 503", func(t *testing.T) {
		open("users")
		before := backend.hitCount()
		rec := h.get("/api/users/1")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, CodeServiceUnavailable, decodeError(t, rec).Error)
		assert.Equal(t, before, backend.hitCount())
		assert.Equal(t, int64(1), h.metrics.Snapshot().BreakerRejected)
	})

	t.Run("open breaker serves static fallback", func(t *testing.T) {
		open("catalog")
		before := backend.hitCount()
		rec := h.get("/api/catalog/items")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
		assert.Equal(t, "static", rec.Header().Get(fallback.Header))
		assert.Equal(t, before, backend.hitCount())
	})
}

func TestCachedFallback(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	svc := service("catalog", backend.Server)
	svc.Fallback = config.FallbackConfig{Mode: config.FallbackModeCached, CacheTTL: "1m", MaxBodySize: 1 << 10}
	cfg.Services = []config.ServiceConfig{svc}
	h := newHarness(t, cfg)

	require.Equal(t, http.StatusOK, h.get("/api/catalog/items?page=1").Code)
	assert.True(t, h.mr.Exists(store.FallbackKey("catalog", "GET|/api/catalog/items?page=1")))

	b, _ := h.breakers.Breaker("catalog")
	for range 10 {
		b.Allow()
		b.Record(circuitbreaker.Failure)
	}

	rec := h.get("/api/catalog/items?page=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "cached", rec.Header().Get(fallback.Header))

	rec = h.get("/api/catalog/items?page=2")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNoHealthyInstances(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	cfg.CircuitBreaker.Defaults.VolumeThreshold = 1
	cfg.CircuitBreaker.Defaults.HalfOpenMaxCalls = 1
	cfg.CircuitBreaker.Defaults.SuccessThreshold = 1
	cfg.CircuitBreaker.Defaults.ResetTimeout = "1s"
	cfg.Services = []config.ServiceConfig{service("users", backend.Server)}
	h := newHarness(t, cfg)

	pool, ok := h.balancer.Pool("users")
	require.True(t, ok)
	in, ok := pool.Get("users-1")
	require.True(t, ok)

	t.Run("nothing selectable answers 503", func(t *testing.T) {
		in.SetHealth(loadbalancer.HealthUnhealthy)
		rec := h.get("/api/users/1")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, CodeNoHealthy, decodeError(t, rec).Error)
		assert.Equal(t, int64(1), h.metrics.Snapshot().NoHealthy)
		// Not the service's fault.
		assert.Equal(t, circuitbreaker.StateClosed, h.breakers.State("users"))
	})

	t.Run("half-open slot is released", func(t *testing.T) {
		b, _ := h.breakers.Breaker("users")
		b.Allow()
		b.Record(circuitbreaker.Failure)
		require.Equal(t, circuitbreaker.StateOpen, b.State())
		h.clock.Advance(time.Second)
		require.Equal(t, circuitbreaker.StateHalfOpen, b.State())

		rec := h.get("/api/users/1")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, CodeNoHealthy, decodeError(t, rec).Error)

		in.SetHealth(loadbalancer.HealthHealthy)
		rec = h.get("/api/users/1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, circuitbreaker.StateClosed, b.State())
	})
}

func TestUpstreamFailures(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	cfg := config.Defaults()
	slowSvc := service("reports", slow)
	slowSvc.Timeout = "50ms"
	cfg.Services = []config.ServiceConfig{service("users", dead), slowSvc}
	h := newHarness(t, cfg)

	t.Run("unreachable", func(t *testing.T) {
		rec := h.get("/api/users/1")
		require.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, proxy.CodeUpstreamUnreachable, decodeError(t, rec).Error)
	})

	t.Run("timeout", func(t *testing.T) {
		rec := h.get("/api/reports/daily")
		require.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.Equal(t, proxy.CodeUpstreamTimeout, decodeError(t, rec).Error)
	})

	t.Run("client cancel writes nothing and is not a failure", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		r := httptest.NewRequest(http.MethodGet, "/api/reports/daily", nil).WithContext(ctx)
		time.AfterFunc(10*time.Millisecond, cancel)
		rec := h.do(r)
		assert.Empty(t, rec.Body.String())

		snap, ok := h.breakers.Breaker("reports")
		require.True(t, ok)
		// One timeout above, nothing for the cancel.
		assert.Equal(t, 1, snap.Snapshot().FailureCount)
	})

	assert.Equal(t, int64(3), h.metrics.Snapshot().UpstreamErrors)
}

func TestStripPrefix(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	svc := service("users", backend.Server)
	svc.StripPrefix = true
	cfg.Services = []config.ServiceConfig{svc}
	h := newHarness(t, cfg)

	require.Equal(t, http.StatusOK, h.get("/api/v2/users/7").Code)
	assert.Equal(t, "/7", backend.lastRequest().URL.Path)
	require.Equal(t, http.StatusOK, h.get("/api/users").Code)
	assert.Equal(t, "/", backend.lastRequest().URL.Path)
}

func TestReload(t *testing.T) {
	backend := newEchoBackend(t)
	cfg := config.Defaults()
	cfg.Services = []config.ServiceConfig{service("users", backend.Server)}
	h := newHarness(t, cfg)

	require.Equal(t, http.StatusOK, h.get("/api/users/1").Code)

	next := config.Defaults()
	next.RateLimit.Tiers["free"] = 1
	next.Versioning.Default = "v1"
	next.CircuitBreaker.Defaults.VolumeThreshold = 99
	next.Services = cfg.Services
	require.NoError(t, h.chain.Reload(next))

	t.Run("new limits apply", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
		r.RemoteAddr = "198.51.100.9:1"
		assert.Equal(t, http.StatusOK, h.do(r).Code)
		assert.Equal(t, "v1", backend.lastRequest().Header.Get("X-API-Version"))
		assert.Equal(t, http.StatusTooManyRequests, h.do(r).Code)
	})

	t.Run("breaker tunables apply", func(t *testing.T) {
		b, _ := h.breakers.Breaker("users")
		for range 20 {
			b.Allow()
			b.Record(circuitbreaker.Failure)
		}
		assert.Equal(t, circuitbreaker.StateClosed, b.State())
	})

	t.Run("invalid config is refused", func(t *testing.T) {
		bad := config.Defaults()
		bad.Versioning.Default = "v7"
		assert.Error(t, h.chain.Reload(bad))
		r := httptest.NewRequest(http.MethodGet, "/api/users/2", nil)
		r.RemoteAddr = "198.51.100.10:1"
		rec := h.do(r)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"), "the last good config stays in effect")
	})
}

func TestRecoverPanic(t *testing.T) {
	cfg := config.Defaults()
	h := newHarness(t, cfg)

	t.Run("panic becomes 500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rec.Header().Set(requestIDHeader, "req-1")
		sw := &statusWriter{ResponseWriter: rec, code: http.StatusOK}
		func() {
			defer h.chain.recoverPanic(sw, &request{id: "req-1"})
			panic("boom")
		}()
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, CodeInternal, body.Error)
		assert.Equal(t, "req-1", body.RequestID)
		assert.Equal(t, int64(1), h.metrics.Snapshot().Panics)
	})

	t.Run("abort handler is re-raised", func(t *testing.T) {
		sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			defer h.chain.recoverPanic(sw, &request{})
			panic(http.ErrAbortHandler)
		})
	})
}

func TestProtect(t *testing.T) {
	cfg := config.Defaults()
	cfg.RateLimit.Strict.Limit = 1
	h := newHarness(t, cfg)

	var calls int
	admin := h.chain.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.NotEmpty(t, r.Header.Get(requestIDHeader))
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	assert.Equal(t, http.StatusNoContent, do("/admin/services/status").Code)
	rec := do("/admin/services/status")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeStrictRateLimited, decodeError(t, rec).Error)
	assert.Equal(t, http.StatusNoContent, do("/health").Code)
	assert.Equal(t, 2, calls)
}

func TestServiceName(t *testing.T) {
	cases := map[string]string{
		"/api/users":      "users",
		"/api/users/":     "users",
		"/api/users/7/a":  "users",
		"/api/":           "",
		"/users/7":        "",
		"/apiusers/7":     "",
		"/api/auth/login": "auth",
	}
	for path, want := range cases {
		got, ok := serviceName(path)
		assert.Equal(t, want, got, path)
		assert.Equal(t, want != "", ok, path)
	}
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("abc-123_x.y:z"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("a b"))
	assert.False(t, validRequestID("x\r\nSet-Cookie: y"))
	long := make([]byte, maxRequestIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, validRequestID(string(long)))
}
