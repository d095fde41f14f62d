package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgequota/edgegate/internal/circuitbreaker"
	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/events"
	"github.com/edgequota/edgegate/internal/loadbalancer"
	"github.com/edgequota/edgegate/internal/observability"
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

type fixture struct {
	handler  *Handler
	balancer *loadbalancer.Balancer
	breakers *circuitbreaker.Engine
	metrics  *observability.Metrics
	usage    *version.Usage
	mr       *miniredis.Miniredis
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Services = []config.ServiceConfig{
		{
			Name:        "users",
			Algorithm:   config.AlgorithmRoundRobin,
			HealthCheck: config.HealthCheckConfig{Enabled: disabled()},
			Instances: []config.InstanceConfig{
				{ID: "users-1", URL: "http://10.0.0.1:8080", Weight: 1},
				{ID: "users-2", URL: "http://10.0.0.2:8080", Weight: 1},
			},
		},
		{
			Name:        "orders",
			Algorithm:   config.AlgorithmLeastConnections,
			HealthCheck: config.HealthCheckConfig{Enabled: disabled()},
			Instances: []config.InstanceConfig{
				{ID: "orders-1", URL: "http://10.0.1.1:8080", Weight: 1},
			},
		},
	}
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	logger := testLogger()
	mr := miniredis.RunT(t)
	rs := store.NewRedisStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	t.Cleanup(func() { _ = rs.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	emitter := events.NewEmitter(cfg.Events, logger, metrics)
	t.Cleanup(func() { _ = emitter.Close() })

	breakers := circuitbreaker.NewEngine(logger, circuitbreaker.WithPublisher(emitter))
	for _, svc := range cfg.Services {
		breakers.Register(svc.Name, circuitbreaker.SettingsFrom(cfg.BreakerFor(svc)))
	}

	b, err := loadbalancer.New(cfg, loadbalancer.Options{Logger: logger, Store: rs, Publisher: emitter})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
	})

	usage := version.NewUsage(rs, logger)
	t.Cleanup(usage.Close)
	h := New(cfg, Options{
		Version:  "test",
		Store:    rs,
		Balancer: b,
		Breakers: breakers,
		Metrics:  metrics,
		Usage:    usage,
		Events:   emitter,
		Logger:   logger,
	})
	return &fixture{handler: h, balancer: b, breakers: breakers, metrics: metrics, usage: usage, mr: mr}
}

func (f *fixture) do(method, target, body, token string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	resp := decode(t, rec)
	require.True(t, resp.Success, rec.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[healthSummary](t, rec)
	assert.Equal(t, "healthy", got.Status)
	assert.Equal(t, "test", got.Version)
	assert.GreaterOrEqual(t, got.UptimeSeconds, 0.0)
}

func TestHealthDetailed(t *testing.T) {
	f := newFixture(t, testConfig())

	t.Run("all services healthy", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/health/detailed", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[detailedHealth](t, rec)
		assert.Equal(t, "healthy", got.Status)
		assert.True(t, got.Store.Connected)
		assert.Equal(t, serviceHealth{Healthy: 2, Total: 2, Breaker: circuitbreaker.StateClosed}, got.Services["users"])
	})

	t.Run("a service without healthy instances answers 503", func(t *testing.T) {
		pool, _ := f.balancer.Pool("orders")
		in, _ := pool.Get("orders-1")
		in.SetHealth(loadbalancer.HealthUnhealthy)
		t.Cleanup(func() { in.SetHealth(loadbalancer.HealthHealthy) })

		rec := f.do(http.MethodGet, "/health/detailed", "", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decode(t, rec)
		var got detailedHealth
		require.NoError(t, json.Unmarshal(resp.Data, &got))
		assert.Equal(t, "unhealthy", got.Status)
		assert.Equal(t, 0, got.Services["orders"].Healthy)
	})

	t.Run("store outage degrades", func(t *testing.T) {
		f.mr.Close()
		rec := f.do(http.MethodGet, "/health/detailed", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[detailedHealth](t, rec)
		assert.Equal(t, "degraded", got.Status)
		assert.False(t, got.Store.Connected)
		assert.NotEmpty(t, got.Store.Error)
	})
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture(t, testConfig())

	t.Run("services status", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/services/status", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[[]loadbalancer.ServiceStatus](t, rec)
		require.Len(t, got, 2)
		byName := map[string]loadbalancer.ServiceStatus{}
		for _, s := range got {
			byName[s.Service] = s
		}
		assert.Equal(t, config.AlgorithmLeastConnections, byName["orders"].Algorithm)
		assert.Len(t, byName["users"].Instances, 2)
	})

	t.Run("performance", func(t *testing.T) {
		f.metrics.ObserveRequest("users", http.MethodGet, 200, 20*time.Millisecond)
		f.metrics.ObserveRequest("users", http.MethodGet, 502, 40*time.Millisecond)
		f.metrics.ObserveStage("forward", time.Millisecond)

		rec := f.do(http.MethodGet, "/admin/metrics/performance", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[performanceReport](t, rec)
		require.Len(t, got.Services, 1)
		assert.Equal(t, int64(2), got.Services[0].Requests)
		assert.Equal(t, int64(1), got.Services[0].Errors)
		assert.InDelta(t, 30.0, got.Services[0].AvgMs, 0.001)
		assert.InDelta(t, 40.0, got.Services[0].MaxMs, 0.001)
		assert.Equal(t, int64(1), got.Stages["forward"])
		assert.Equal(t, int64(2), got.Counters.Requests)
	})

	t.Run("versions", func(t *testing.T) {
		f.usage.Record("v1")
		f.usage.Record("v2")
		f.usage.Record("v2")
		require.Eventually(t, func() bool {
			v, err := f.mr.Get(store.VersionUsageKey("v2"))
			return err == nil && v == "2"
		}, 2*time.Second, 5*time.Millisecond)

		rec := f.do(http.MethodGet, "/admin/metrics/versions", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[[]version.VersionCount](t, rec)
		require.Len(t, got, 2)
		assert.Equal(t, "v2", got[1].Version)
		assert.Equal(t, int64(2), got[1].Process)
		require.NotNil(t, got[1].Store)
		assert.Equal(t, int64(2), *got[1].Store)
	})

	t.Run("circuit breakers", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/circuit-breakers/status", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[[]map[string]any](t, rec)
		require.Len(t, got, 2)
		assert.Equal(t, "orders", got[0]["service"])
		assert.Equal(t, "CLOSED", got[0]["state"])
	})

	t.Run("events limit must be positive", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/events?limit=zero", "", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeBadRequest, decode(t, rec).Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/nothing", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResetBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Token = "s3cret"
	f := newFixture(t, cfg)

	b, _ := f.breakers.Breaker("users")
	for range 20 {
		b.Allow()
		b.Record(circuitbreaker.Failure)
	}
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	t.Run("requires the token", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/admin/circuit-breakers/users/reset", "", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, CodeUnauthorized, decode(t, rec).Code)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

		rec = f.do(http.MethodPost, "/admin/circuit-breakers/users/reset", "", "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, circuitbreaker.StateOpen, b.State())
	})

	t.Run("resets with the token", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/admin/circuit-breakers/users/reset", "", "s3cret")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, circuitbreaker.StateClosed, b.State())
	})

	t.Run("unknown service", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/admin/circuit-breakers/billing/reset", "", "s3cret")
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, CodeNotFound, decode(t, rec).Code)
	})

	t.Run("reads stay open", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/admin/circuit-breakers/status", "", "").Code)
	})
}

func TestInstanceMutations(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Token = "s3cret"
	f := newFixture(t, cfg)

	t.Run("add", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/admin/services/users/instances",
			`{"id":"users-3","url":"http://93.184.216.34:8080","weight":2,"metadata":{"region":"eu-west-1"}}`, "s3cret")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		got := decodeData[loadbalancer.InstanceStatus](t, rec)
		assert.Equal(t, "users-3", got.ID)
		assert.Equal(t, 2, got.Weight)
		assert.Equal(t, loadbalancer.HealthHealthy, got.Health)

		pool, _ := f.balancer.Pool("users")
		_, total := pool.Counts()
		assert.Equal(t, 3, total)
	})

	t.Run("add rejects bad input", func(t *testing.T) {
		cases := map[string]struct {
			target string
			body   string
			status int
			code   string
		}{
			"malformed json":  {"/admin/services/users/instances", `{"id":`, http.StatusBadRequest, CodeBadRequest},
			"unknown field":   {"/admin/services/users/instances", `{"id":"x","url":"http://93.184.216.34","port":1}`, http.StatusBadRequest, CodeBadRequest},
			"missing url":     {"/admin/services/users/instances", `{"id":"x"}`, http.StatusBadRequest, CodeBadRequest},
			"bad scheme":      {"/admin/services/users/instances", `{"id":"x","url":"ftp://93.184.216.34"}`, http.StatusBadRequest, CodeBadRequest},
			"private address": {"/admin/services/users/instances", `{"id":"x","url":"http://10.9.9.9:80"}`, http.StatusBadRequest, CodeBadRequest},
			"duplicate id":    {"/admin/services/users/instances", `{"id":"users-1","url":"http://93.184.216.34"}`, http.StatusConflict, CodeConflict},
			"unknown service": {"/admin/services/billing/instances", `{"id":"x","url":"http://93.184.216.34"}`, http.StatusNotFound, CodeNotFound},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				rec := f.do(http.MethodPost, tc.target, tc.body, "s3cret")
				require.Equal(t, tc.status, rec.Code, rec.Body.String())
				resp := decode(t, rec)
				assert.False(t, resp.Success)
				assert.Equal(t, tc.code, resp.Code)
				assert.Equal(t, resp.Error, resp.Code)
			})
		}
	})

	t.Run("remove", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/admin/services/users/instances/users-3", "", "s3cret")
		require.Equal(t, http.StatusOK, rec.Code)
		pool, _ := f.balancer.Pool("users")
		_, ok := pool.Get("users-3")
		assert.False(t, ok)
	})

	t.Run("remove unknown instance", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/admin/services/users/instances/users-9", "", "s3cret")
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, CodeNotFound, decode(t, rec).Code)
	})

	t.Run("last instance stays", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/admin/services/orders/instances/orders-1", "", "s3cret")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, CodeLastInstance, decode(t, rec).Code)
	})

	t.Run("events record membership", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/events?limit=2", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[[]events.StateChange](t, rec)
		require.Len(t, got, 2)
		assert.Equal(t, events.KindInstanceRemoved, got[0].Kind)
		assert.Equal(t, events.KindInstanceAdded, got[1].Kind)
		assert.Equal(t, "users-3", got[1].Instance)
	})
}

func TestMutationsWithoutToken(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	b, _ := f.breakers.Breaker("users")
	for range 20 {
		b.Allow()
		b.Record(circuitbreaker.Failure)
	}
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	for name, tc := range map[string]struct {
		method string
		target string
		body   string
	}{
		"breaker reset":   {http.MethodPost, "/admin/circuit-breakers/users/reset", ""},
		"instance add":    {http.MethodPost, "/admin/services/users/instances", `{"id":"x","url":"http://93.184.216.34"}`},
		"instance remove": {http.MethodDelete, "/admin/services/users/instances/users-1", ""},
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(tc.method, tc.target, tc.body, "anything")
			require.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, CodeForbidden, decode(t, rec).Code)
		})
	}

	t.Run("nothing changed", func(t *testing.T) {
		assert.Equal(t, circuitbreaker.StateOpen, b.State())
		pool, _ := f.balancer.Pool("users")
		_, total := pool.Counts()
		assert.Equal(t, 2, total)
	})

	t.Run("reads stay open", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/admin/services/status", "", "").Code)
	})
}

func TestReload(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.Equal(t, http.StatusForbidden,
		f.do(http.MethodPost, "/admin/circuit-breakers/users/reset", "", "").Code)

	next := testConfig()
	next.Admin.Token = "rotated"
	f.handler.Reload(next)

	assert.Equal(t, http.StatusUnauthorized,
		f.do(http.MethodPost, "/admin/circuit-breakers/users/reset", "", "").Code)
	assert.Equal(t, http.StatusOK,
		f.do(http.MethodPost, "/admin/circuit-breakers/users/reset", "", "rotated").Code)
}

func TestHandles(t *testing.T) {
	for path, want := range map[string]bool{
		"/health":                true,
		"/health/detailed":       true,
		"/admin/services/status": true,
		"/admin":                 true,
		"/healthz":               false,
		"/administrator":         false,
		"/api/users/1":           false,
	} {
		assert.Equal(t, want, Handles(path), path)
	}
}
