// Package proxy forwards a request to one selected backend instance and
// classifies the result. HTTP/1.1 upstreams use a pooled transport; h2c
// upstreams and gRPC use an x/net HTTP/2 transport.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/loadbalancer"
)

// Target is where and how one request is forwarded.
type Target struct {
	Service  string
	Instance *loadbalancer.Instance
	Protocol config.BackendProtocol
	Timeout  time.Duration
	// Headers are set on the outbound request, replacing inbound values.
	// A key with no values removes the inbound header.
	Headers http.Header
}

// Outcome is the result of one forward. When Err is set and Written is
// false nothing has been sent to the client yet.
type Outcome struct {
	Status   int
	Duration time.Duration
	Written  bool
	Err      *Error
}

// Failed reports whether the outcome counts against the service.
func (o Outcome) Failed() bool {
	return o.Err != nil || o.Status >= http.StatusInternalServerError
}

// baseResponseHeaders are always copied from upstream responses, along
// with every X-RateLimit-* and Grpc-* header.
var baseResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Location",
}

// Forwarder proxies requests to per-request targets. It is safe for
// concurrent use.
type Forwarder struct {
	logger  *slog.Logger
	rp      *httputil.ReverseProxy
	h1      *http.Transport
	h2      *http2.Transport
	allowed map[string]struct{}
}

// New builds a forwarder from the shared proxy settings.
func New(cfg config.ProxyConfig, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		logger:  logger.With("component", "proxy"),
		allowed: make(map[string]struct{}),
	}
	for _, h := range slices.Concat(baseResponseHeaders, cfg.ResponseHeaders) {
		f.allowed[http.CanonicalHeaderKey(strings.TrimSpace(h))] = struct{}{}
	}
	f.h1, f.h2 = buildTransports(cfg)
	f.rp = &httputil.ReverseProxy{
		Director:       f.direct,
		Transport:      &protocolAwareTransport{http1: f.h1, http2: f.h2},
		FlushInterval:  -1,
		ModifyResponse: f.filterResponse,
		ErrorHandler:   f.recordError,
		ErrorLog:       slog.NewLogLogger(f.logger.Handler(), slog.LevelDebug),
	}
	return f
}

func buildTransports(cfg config.ProxyConfig) (*http.Transport, *http2.Transport) {
	tc := cfg.Transport
	dialer := &net.Dialer{
		Timeout:   config.MustParseDuration(tc.DialTimeout, 5*time.Second),
		KeepAlive: config.MustParseDuration(tc.DialKeepAlive, 30*time.Second),
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	h1 := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   config.MustParseDuration(tc.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: config.MustParseDuration(tc.ExpectContinueTimeout, time.Second),
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecureVerify, //nolint:gosec // Operator opt-in.
		},
		ForceAttemptHTTP2: false,
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: config.MustParseDuration(tc.H2ReadIdleTimeout, 30*time.Second),
		PingTimeout:     config.MustParseDuration(tc.H2PingTimeout, 15*time.Second),
	}
	return h1, h2
}

// attempt carries one forward through the ReverseProxy callbacks.
type attempt struct {
	target Target
	out    http.Header
	status int
	err    error
}

type attemptKey struct{}

func attemptFrom(ctx context.Context) *attempt {
	a, _ := ctx.Value(attemptKey{}).(*attempt)
	return a
}

// Forward proxies r to t.Instance under t.Timeout. The instance connection
// count is held for the duration and its response time updated. Failures
// are returned, not written; the caller renders them.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, t Target) Outcome {
	clientCtx := r.Context()
	ctx := clientCtx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	a := &attempt{target: t, out: w.Header()}
	ctx = context.WithValue(ctx, attemptKey{}, a)

	if isGRPC(r) {
		r.Header.Set("TE", "trailers")
	}

	release := t.Instance.Acquire()
	defer release()

	start := time.Now()
	f.rp.ServeHTTP(w, r.WithContext(ctx))
	elapsed := time.Since(start)
	t.Instance.ObserveResponse(elapsed)

	out := Outcome{Status: a.status, Duration: elapsed, Written: a.status != 0}
	if a.err != nil {
		out.Err = classify(clientCtx, a.err)
		if !out.Written {
			out.Status = out.Err.Status
		}
	}
	return out
}

// Close releases idle upstream connections.
func (f *Forwarder) Close() {
	f.h1.CloseIdleConnections()
	f.h2.CloseIdleConnections()
}

func (f *Forwarder) direct(req *http.Request) {
	a := attemptFrom(req.Context())
	target := a.target.Instance.Target()

	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	if target.Path != "" && target.Path != "/" {
		req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
		if req.URL.RawPath != "" {
			req.URL.RawPath = singleJoiningSlash(target.EscapedPath(), req.URL.RawPath)
		}
	}
	if req.Header.Get("X-Forwarded-Host") == "" {
		req.Header.Set("X-Forwarded-Host", req.Host)
	}
	if req.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if req.TLS != nil {
			proto = "https"
		}
		req.Header.Set("X-Forwarded-Proto", proto)
	}
	for k, vs := range a.target.Headers {
		k = http.CanonicalHeaderKey(k)
		if len(vs) == 0 {
			delete(req.Header, k)
			continue
		}
		req.Header[k] = vs
	}
	req.Header.Set("X-Instance-ID", a.target.Instance.ID)
}

// filterResponse keeps whitelisted upstream headers. X-RateLimit-* values
// already set by the gateway win over the upstream ones.
func (f *Forwarder) filterResponse(resp *http.Response) error {
	a := attemptFrom(resp.Request.Context())
	a.status = resp.StatusCode
	for k := range resp.Header {
		rl := strings.HasPrefix(k, "X-Ratelimit-")
		switch {
		case rl && a.out.Get(k) != "":
			delete(resp.Header, k)
		case rl, strings.HasPrefix(k, "Grpc-"):
		default:
			if _, ok := f.allowed[k]; !ok {
				delete(resp.Header, k)
			}
		}
	}
	return nil
}

func (f *Forwarder) recordError(_ http.ResponseWriter, req *http.Request, err error) {
	a := attemptFrom(req.Context())
	a.err = err
	f.logger.Debug("upstream call failed",
		"service", a.target.Service, "instance", a.target.Instance.ID, "path", req.URL.Path, "error", err)
}

// protocolAwareTransport sends h2c services over the HTTP/2 transport and
// everything else over the pooled HTTP/1.1 transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if a := attemptFrom(req.Context()); a != nil && a.target.Protocol == config.BackendProtocolH2C {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func isGRPC(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")

	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
