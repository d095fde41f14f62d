package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/loadbalancer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInstance(t *testing.T, rawURL string) *loadbalancer.Instance {
	t.Helper()
	in, err := loadbalancer.NewInstance(config.InstanceConfig{ID: "users-1", URL: rawURL, Weight: 1})
	require.NoError(t, err)
	return in
}

func newForwarder(cfg config.ProxyConfig) *Forwarder {
	return New(cfg, testLogger())
}

func TestForward(t *testing.T) {
	var seen *http.Request
	var body string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("X-Internal-Debug", "secret")
		w.Header().Set("X-Custom", "kept")
		w.Header().Set("X-RateLimit-Limit", "5")
		w.Header().Set("X-RateLimit-Upstream", "1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	f := newForwarder(config.ProxyConfig{ResponseHeaders: []string{"x-custom"}})
	defer f.Close()
	in := testInstance(t, backend.URL+"/base")

	req := httptest.NewRequest(http.MethodPost, "http://gateway.local/api/users/7?expand=true", strings.NewReader(`{"name":"a"}`))
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	rr := httptest.NewRecorder()
	rr.Header().Set("X-RateLimit-Limit", "100")

	out := f.Forward(rr, req, Target{
		Service:  "users",
		Instance: in,
		Timeout:  time.Second,
		Headers: http.Header{
			"X-Correlation-ID": {"corr-1"},
			"X-API-Version":    {"v2"},
			"X-User-Tier":      {"premium"},
		},
	})

	t.Run("outcome", func(t *testing.T) {
		assert.Nil(t, out.Err)
		assert.Equal(t, http.StatusCreated, out.Status)
		assert.True(t, out.Written)
		assert.False(t, out.Failed())
		assert.Positive(t, out.Duration)
		assert.Zero(t, in.ActiveConnections())
		assert.Positive(t, in.LastResponseTime())
	})

	t.Run("outbound request", func(t *testing.T) {
		require.NotNil(t, seen)
		assert.Equal(t, http.MethodPost, seen.Method)
		assert.Equal(t, "/base/api/users/7", seen.URL.Path)
		assert.Equal(t, "expand=true", seen.URL.RawQuery)
		assert.Equal(t, `{"name":"a"}`, body)
		assert.Equal(t, "198.51.100.1, 203.0.113.9", seen.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "gateway.local", seen.Header.Get("X-Forwarded-Host"))
		assert.Equal(t, "http", seen.Header.Get("X-Forwarded-Proto"))
		assert.Equal(t, "users-1", seen.Header.Get("X-Instance-ID"))
		assert.Equal(t, "corr-1", seen.Header.Get("X-Correlation-ID"))
		assert.Equal(t, "v2", seen.Header.Get("X-API-Version"))
		assert.Equal(t, "premium", seen.Header.Get("X-User-Tier"))
	})

	t.Run("response headers are whitelisted", func(t *testing.T) {
		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, `{"ok":true}`, rr.Body.String())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.Equal(t, `"abc"`, rr.Header().Get("ETag"))
		assert.Equal(t, "kept", rr.Header().Get("X-Custom"))
		assert.Empty(t, rr.Header().Get("X-Internal-Debug"))
		assert.Equal(t, []string{"100"}, rr.Header().Values("X-RateLimit-Limit"), "gateway value wins")
		assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Upstream"))
	})
}

func TestForwardServerError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	f := newForwarder(config.ProxyConfig{})
	rr := httptest.NewRecorder()
	out := f.Forward(rr, httptest.NewRequest(http.MethodGet, "/api/users", nil), Target{Service: "users", Instance: testInstance(t, backend.URL)})

	assert.Nil(t, out.Err)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
	assert.True(t, out.Failed(), "5xx counts as a failure")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestForwardTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	f := newForwarder(config.ProxyConfig{})
	in := testInstance(t, backend.URL)
	rr := httptest.NewRecorder()
	out := f.Forward(rr, httptest.NewRequest(http.MethodGet, "/api/users", nil), Target{Service: "users", Instance: in, Timeout: 50 * time.Millisecond})

	require.NotNil(t, out.Err)
	assert.Equal(t, CodeUpstreamTimeout, out.Err.Code)
	assert.Equal(t, config.ErrorClassTimeout, out.Err.ErrorClass())
	assert.Equal(t, http.StatusGatewayTimeout, out.Status)
	assert.False(t, out.Written)
	assert.Zero(t, rr.Body.Len(), "failures are left to the caller")
	assert.Zero(t, in.ActiveConnections())
}

func TestForwardUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	f := newForwarder(config.ProxyConfig{})
	out := f.Forward(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), Target{Service: "users", Instance: testInstance(t, "http://"+addr)})

	require.NotNil(t, out.Err)
	assert.Equal(t, CodeUpstreamUnreachable, out.Err.Code)
	assert.Equal(t, config.ErrorClassConnectionRefused, out.Err.Class)
	assert.Equal(t, http.StatusBadGateway, out.Status)
	assert.True(t, out.Failed())
}

func TestForwardClientCanceled(t *testing.T) {
	started := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	f := newForwarder(config.ProxyConfig{})
	in := testInstance(t, backend.URL)
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	out := f.Forward(httptest.NewRecorder(), req, Target{Service: "users", Instance: in, Timeout: 5 * time.Second})

	require.NotNil(t, out.Err)
	assert.True(t, out.Err.ClientCanceled())
	assert.Zero(t, in.ActiveConnections())
}

func TestForwardH2C(t *testing.T) {
	backend := httptest.NewServer(h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, r.Proto)
	}), &http2.Server{}))
	defer backend.Close()

	f := newForwarder(config.ProxyConfig{})
	defer f.Close()
	rr := httptest.NewRecorder()
	out := f.Forward(rr, httptest.NewRequest(http.MethodGet, "/", nil), Target{
		Service:  "grpc-svc",
		Instance: testInstance(t, backend.URL),
		Protocol: config.BackendProtocolH2C,
	})

	require.Nil(t, out.Err)
	assert.Equal(t, "HTTP/2.0", rr.Body.String())
}

func TestClassify(t *testing.T) {
	live := context.Background()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name  string
		ctx   context.Context
		err   error
		code  string
		class string
	}{
		{"client gone", canceled, errors.New("read: connection reset"), CodeClientCanceled, config.ErrorClassClientCanceled},
		{"deadline", live, context.DeadlineExceeded, CodeUpstreamTimeout, config.ErrorClassTimeout},
		{"dns", live, &net.DNSError{Err: "no such host", Name: "users"}, CodeUpstreamUnreachable, config.ErrorClassDNS},
		{"dial", live, &net.OpError{Op: "dial", Err: errors.New("no route")}, CodeUpstreamUnreachable, config.ErrorClassUnreachable},
		{"other", live, errors.New("malformed response"), CodeProxyError, ClassProxy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classify(tt.ctx, tt.err)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.class, e.Class)
			assert.ErrorIs(t, e, tt.err)
		})
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	assert.Equal(t, "/a/b", singleJoiningSlash("/a/", "/b"))
	assert.Equal(t, "/a/b", singleJoiningSlash("/a", "b"))
	assert.Equal(t, "/a/b", singleJoiningSlash("/a", "/b"))
}
