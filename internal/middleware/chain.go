// Package middleware implements the request pipeline of edgegate:
// request id → version → route → rate limit → breaker → select → forward.
// The order is fixed and every stage may answer the request itself.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgequota/edgegate/internal/circuitbreaker"
	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/fallback"
	"github.com/edgequota/edgegate/internal/loadbalancer"
	"github.com/edgequota/edgegate/internal/observability"
	"github.com/edgequota/edgegate/internal/proxy"
	"github.com/edgequota/edgegate/internal/ratelimit"
	"github.com/edgequota/edgegate/internal/version"
)

var tracer = otel.Tracer("edgegate.middleware")

const (
	requestIDHeader     = "X-Request-Id"
	correlationIDHeader = "X-Correlation-ID"

	// maxRequestIDLen bounds client-supplied ids.
	maxRequestIDLen = 128
)

// Error codes written by the pipeline.
const (
	CodeServiceNotFound    = "SERVICE_NOT_FOUND"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeStrictRateLimited  = "STRICT_RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNoHealthy          = "NO_HEALTHY_INSTANCES"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternal           = "INTERNAL_SERVER_ERROR"
)

// Stage names, used for the stage histogram and span names.
const (
	stageVersion   = "version"
	stageRoute     = "route"
	stageRateLimit = "ratelimit"
	stageBreaker   = "breaker"
	stageSelect    = "select"
	stageForward   = "forward"
)

// validRequestID checks that a client-supplied id is safe to propagate.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// correlationID returns the inbound correlation id, then the inbound
// request id, or a fresh UUID when neither is usable.
func correlationID(r *http.Request) string {
	if id := r.Header.Get(correlationIDHeader); validRequestID(id) {
		return id
	}
	if id := r.Header.Get(requestIDHeader); validRequestID(id) {
		return id
	}
	return uuid.NewString()
}

// errorBody is the uniform JSON error shape. Code always equals Error.
type errorBody struct {
	Success           bool              `json:"success"`
	Error             string            `json:"error"`
	Message           string            `json:"message"`
	Code              string            `json:"code"`
	RequestID         string            `json:"request_id,omitempty"`
	RetryAfter        float64           `json:"retry_after,omitempty"`
	SupportedVersions []string          `json:"supported_versions,omitempty"`
	Examples          map[string]string `json:"examples,omitempty"`
}

// writeJSONError writes a structured JSON error response. Headers already
// set on w, such as the rate-limit ones, are preserved.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeErrorBody(w, status, errorBody{Error: code, Message: message})
}

func writeErrorBody(w http.ResponseWriter, status int, b errorBody) {
	b.Success = false
	b.Code = b.Error
	b.RequestID = w.Header().Get(requestIDHeader)
	body, _ := json.Marshal(b)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// route is the per-service forwarding setup.
type route struct {
	name        string
	timeout     time.Duration
	protocol    config.BackendProtocol
	stripPrefix bool
}

// settings is everything Reload replaces in one swap.
type settings struct {
	rateLimit     bool
	tiers         *ratelimit.TierLimiter
	strict        *ratelimit.StrictLimiter
	keys          *ratelimit.KeyBuilder
	proxies       *ratelimit.TrustedProxies
	failurePolicy config.FailurePolicy
	tierHeader    string
	userIDHeader  string
	resolver      *version.Resolver
	routes        map[string]route
}

// Deps are the components the chain drives. Every field is required
// except Fallback and Usage.
type Deps struct {
	Counter   ratelimit.Counter
	Breakers  *circuitbreaker.Engine
	Balancer  *loadbalancer.Balancer
	Forwarder *proxy.Forwarder
	Fallback  *fallback.Cache
	Usage     *version.Usage
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Chain is the gateway request handler.
type Chain struct {
	counter   ratelimit.Counter
	breakers  *circuitbreaker.Engine
	balancer  *loadbalancer.Balancer
	forwarder *proxy.Forwarder
	fallback  *fallback.Cache
	usage     *version.Usage
	metrics   *observability.Metrics
	logger    *slog.Logger

	settings atomic.Pointer[settings]
}

// NewChain builds the pipeline and registers a breaker per service.
func NewChain(cfg *config.Config, d Deps) (*Chain, error) {
	if d.Counter == nil || d.Breakers == nil || d.Balancer == nil || d.Forwarder == nil || d.Metrics == nil {
		return nil, errors.New("middleware: missing pipeline component")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		counter:   d.Counter,
		breakers:  d.Breakers,
		balancer:  d.Balancer,
		forwarder: d.Forwarder,
		fallback:  d.Fallback,
		usage:     d.Usage,
		metrics:   d.Metrics,
		logger:    logger.With("component", "pipeline"),
	}
	if err := c.Reload(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload hot-swaps the tiers, strict limiter, version table, routes and
// breaker tunables. In-flight requests finish with the settings they
// started with. Breaker state is kept.
func (c *Chain) Reload(cfg *config.Config) error {
	resolver, err := version.NewResolver(cfg.Versioning)
	if err != nil {
		return fmt.Errorf("reload versioning: %w", err)
	}
	proxies, err := ratelimit.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("reload trusted proxies: %w", err)
	}
	keys, err := ratelimit.NewKeyBuilder(cfg.RateLimit.KeyStrategy, proxies)
	if err != nil {
		return fmt.Errorf("reload key strategy: %w", err)
	}
	s := &settings{
		rateLimit:     cfg.RateLimit.Enabled,
		tiers:         ratelimit.NewTierLimiter(c.counter, cfg.RateLimit),
		strict:        ratelimit.NewStrictLimiter(c.counter, cfg.RateLimit),
		keys:          keys,
		proxies:       proxies,
		failurePolicy: cfg.RateLimit.FailurePolicy,
		tierHeader:    cfg.RateLimit.TierHeader,
		userIDHeader:  cfg.RateLimit.UserIDHeader,
		resolver:      resolver,
		routes:        make(map[string]route, len(cfg.Services)),
	}
	for _, svc := range cfg.Services {
		s.routes[svc.Name] = route{
			name:        svc.Name,
			timeout:     config.MustParseDuration(svc.Timeout, 30*time.Second),
			protocol:    svc.Protocol,
			stripPrefix: svc.StripPrefix,
		}
		c.breakers.Register(svc.Name, circuitbreaker.SettingsFrom(cfg.BreakerFor(svc)))
	}
	c.settings.Store(s)

	c.logger.Info("pipeline settings applied",
		"services", len(s.routes), "rate_limit", s.rateLimit,
		"default_version", resolver.Default(), "policy", s.failurePolicy)
	return nil
}

// statusWriter captures the status written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController, which the reverse proxy uses
// for flushing and protocol upgrades.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// request carries per-request pipeline state between stages.
type request struct {
	id       string
	settings *settings
	service  string
	instance string
	tier     string
}

// stage starts the span and timer of one pipeline stage.
func (c *Chain) stage(ctx context.Context, name string) (context.Context, func()) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "edgegate."+name)
	return ctx, func() {
		span.End()
		c.metrics.ObserveStage(name, time.Since(start))
	}
}

// ServeHTTP runs the request through the pipeline.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	req := &request{id: correlationID(r), settings: c.settings.Load()}
	r.Header.Set(correlationIDHeader, req.id)
	r.Header.Set(requestIDHeader, req.id)
	sw.Header().Set(correlationIDHeader, req.id)
	sw.Header().Set(requestIDHeader, req.id)

	defer func() {
		d := time.Since(start)
		svc := req.service
		if svc == "" {
			svc = "none"
		}
		c.metrics.ObserveRequest(svc, r.Method, sw.code, d)
		c.logger.Debug("request completed",
			"correlation_id", req.id, "method", r.Method, "path", r.URL.Path,
			"service", req.service, "instance", req.instance,
			"status", sw.code, "duration_ms", d.Milliseconds())
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()
	defer c.recoverPanic(sw, req)

	c.serve(sw, r, req)
}

// recoverPanic turns a panic into a 500. http.ErrAbortHandler is how the
// reverse proxy aborts a broken stream; it must reach net/http.
func (c *Chain) recoverPanic(sw *statusWriter, req *request) {
	rec := recover()
	if rec == nil {
		return
	}
	if rec == http.ErrAbortHandler {
		panic(rec)
	}
	c.metrics.IncPanics()
	c.logger.Error("panic in request pipeline",
		"correlation_id", req.id, "service", req.service,
		"panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
	if !sw.written {
		writeJSONError(sw, http.StatusInternalServerError, CodeInternal, "internal server error")
	} else {
		sw.code = http.StatusInternalServerError
	}
}

func (c *Chain) serve(w *statusWriter, r *http.Request, req *request) {
	s := req.settings

	_, end := c.stage(r.Context(), stageVersion)
	res, err := s.resolver.Resolve(r)
	if err != nil {
		end()
		c.rejectVersion(w, err)
		return
	}
	s.resolver.SetHeaders(w.Header(), res, r.URL.Path)
	version.Rewrite(r)
	r = r.WithContext(version.WithResolution(r.Context(), res))
	c.metrics.IncVersion(res.Version)
	if c.usage != nil {
		c.usage.Record(res.Version)
	}
	end()

	_, end = c.stage(r.Context(), stageRoute)
	rt, ok := s.lookupRoute(r.URL.Path)
	end()
	if !ok {
		writeJSONError(w, http.StatusNotFound, CodeServiceNotFound, "no service matches "+r.URL.Path)
		return
	}
	req.service = rt.name

	if !c.limit(w, r, req) {
		return
	}

	ctx, end := c.stage(r.Context(), stageBreaker)
	allowed := c.breakers.Allow(rt.name)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("edgegate.allowed", allowed))
	end()
	if !allowed {
		c.metrics.IncBreakerRejected(rt.name)
		if c.fallback != nil && c.fallback.Serve(w, r, rt.name) {
			return
		}
		writeJSONError(w, http.StatusServiceUnavailable, CodeServiceUnavailable,
			"service "+rt.name+" is temporarily unavailable")
		return
	}

	ctx, end = c.stage(r.Context(), stageSelect)
	in, err := c.balancer.SelectInstance(ctx, rt.name, loadbalancer.RequestContext{
		ClientIP:   s.proxies.ClientIP(r),
		SessionKey: c.balancer.SessionKey(r),
	})
	end()
	if err != nil {
		// Allow may have taken a half-open trial slot.
		c.breakers.RecordOutcome(rt.name, circuitbreaker.Ignored)
		if errors.Is(err, loadbalancer.ErrNoHealthyInstances) {
			c.metrics.IncNoHealthy(rt.name)
			writeJSONError(w, http.StatusServiceUnavailable, CodeNoHealthy,
				"no healthy instances of "+rt.name)
			return
		}
		writeJSONError(w, http.StatusNotFound, CodeServiceNotFound, "no service matches "+rt.name)
		return
	}
	req.instance = in.ID

	c.forward(w, r, req, rt, in, res)
}

// rejectVersion answers an unresolvable version with 400.
func (c *Chain) rejectVersion(w http.ResponseWriter, err error) {
	var verr *version.Error
	if !errors.As(err, &verr) {
		writeJSONError(w, http.StatusBadRequest, version.ErrorCode, err.Error())
		return
	}
	writeErrorBody(w, http.StatusBadRequest, errorBody{
		Error:             verr.Code(),
		Message:           verr.Error(),
		SupportedVersions: verr.Supported,
		Examples:          verr.Examples,
	})
}

// forward proxies to in and accounts the outcome.
func (c *Chain) forward(w *statusWriter, r *http.Request, req *request, rt route, in *loadbalancer.Instance, res version.Resolution) {
	s := req.settings
	headers := http.Header{}
	headers.Set(correlationIDHeader, req.id)
	headers.Set(requestIDHeader, req.id)
	headers.Set("X-API-Version", res.Version)
	headers.Set("X-Real-IP", s.proxies.ClientIP(r))
	if s.proxies.FromProxy(r) {
		if uid := r.Header.Get(s.userIDHeader); uid != "" {
			headers.Set("X-User-ID", uid)
		}
	} else {
		// Identity headers from direct clients never reach upstreams.
		headers["X-User-Id"] = nil
		if s.userIDHeader != "" {
			headers[http.CanonicalHeaderKey(s.userIDHeader)] = nil
		}
		if s.tierHeader != "" {
			headers[http.CanonicalHeaderKey(s.tierHeader)] = nil
		}
	}
	if req.tier != "" {
		headers.Set("X-User-Tier", req.tier)
	}

	ctx, end := c.stage(r.Context(), stageForward)
	r = r.WithContext(ctx)

	// The reverse proxy aborts a broken response stream by panicking with
	// http.ErrAbortHandler. The attempt must still reach the breaker, or a
	// half-open trial slot stays taken.
	recorded := false
	defer func() {
		if recorded {
			return
		}
		end()
		outcome := circuitbreaker.Failure
		if ctx.Err() != nil {
			outcome = circuitbreaker.Ignored
		}
		c.breakers.RecordOutcome(rt.name, outcome)
	}()

	var dst http.ResponseWriter = w
	var rec *fallback.Recorder
	if c.fallback != nil {
		if rec = c.fallback.Record(w, r, rt.name); rec != nil {
			dst = rec
		}
	}

	upstream := r
	if rt.stripPrefix {
		upstream = stripServicePrefix(r, rt.name)
	}
	out := c.forwarder.Forward(dst, upstream, proxy.Target{
		Service:  rt.name,
		Instance: in,
		Protocol: rt.protocol,
		Timeout:  rt.timeout,
		Headers:  headers,
	})
	if rec != nil {
		rec.Finish(context.WithoutCancel(ctx))
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("edgegate.service", rt.name),
		attribute.String("edgegate.instance", in.ID),
		attribute.Int("http.response.status_code", out.Status),
	)
	end()

	recorded = true
	c.record(rt.name, in, out)

	if out.Err == nil || out.Written {
		return
	}
	if out.Err.ClientCanceled() {
		// Nobody is listening; keep the log status meaningful.
		w.code = out.Err.Status
		return
	}
	c.logger.Warn("upstream request failed",
		"correlation_id", req.id, "service", rt.name, "instance", in.ID,
		"code", out.Err.Code, "class", out.Err.Class, "error", out.Err.Err)
	if c.fallback != nil && c.fallback.Serve(w, r, rt.name) {
		return
	}
	writeJSONError(w, out.Err.Status, out.Err.Code, out.Err.Error())
}

// record reports one forward to the breaker and the metrics sink.
func (c *Chain) record(service string, in *loadbalancer.Instance, out proxy.Outcome) {
	var filter circuitbreaker.ErrorFilter
	if b, ok := c.breakers.Breaker(service); ok {
		filter = b.Filter()
	}
	var err error
	if out.Err != nil {
		err = out.Err
		c.metrics.IncUpstreamError(service, out.Err.Code)
	}
	c.breakers.RecordOutcome(service, circuitbreaker.Classify(filter, err, out.Status))
	c.metrics.RecordTimer("upstream_response_time",
		float64(out.Duration)/float64(time.Millisecond),
		map[string]string{"service": service, "instance": in.ID})
}

// limit runs the tier limiter, then the strict one. It reports whether the
// request may continue.
func (c *Chain) limit(w http.ResponseWriter, r *http.Request, req *request) bool {
	s := req.settings
	if !s.rateLimit {
		return true
	}
	ctx, end := c.stage(r.Context(), stageRateLimit)
	defer end()

	// The tier header is believed only from trusted proxies.
	var claimed string
	if s.proxies.FromProxy(r) {
		claimed = r.Header.Get(s.tierHeader)
	}
	tier := s.tiers.ResolveTier(claimed)
	req.tier = tier
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("edgegate.tier", tier))

	key, err := s.keys.ClientKey(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, "could not identify client: "+err.Error())
		return false
	}

	res, err := s.tiers.CheckLimit(ctx, key, tier)
	if err != nil {
		return c.limiterFailed(w, s, err)
	}
	if !res.Unlimited() {
		setRateLimitHeaders(w, res)
	}
	if !res.Allowed {
		c.metrics.IncRateLimited(tier, "tier")
		serveRateLimited(w, res, CodeRateLimited, "rate limit exceeded for tier "+tier)
		return false
	}

	if !s.strict.Applies(r.URL.Path, tier) {
		return true
	}
	res, err = s.strict.CheckLimit(ctx, key)
	if err != nil {
		return c.limiterFailed(w, s, err)
	}
	if !res.Allowed {
		setRateLimitHeaders(w, res)
		c.metrics.IncRateLimited(tier, "strict")
		serveRateLimited(w, res, CodeStrictRateLimited, "rate limit exceeded for "+r.URL.Path)
		return false
	}
	return true
}

// limiterFailed applies the failure policy to a store error.
func (c *Chain) limiterFailed(w http.ResponseWriter, s *settings, err error) bool {
	c.metrics.IncStoreErrors()
	c.logger.Warn("rate limit check failed", "error", err, "policy", s.failurePolicy)
	if s.failurePolicy != config.FailurePolicyFailClosed {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeJSONError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limiting is unavailable")
	return false
}

// setRateLimitHeaders writes the X-RateLimit-* headers of res.
func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))

	reset := int64(math.Ceil(res.ResetAfter(time.Now()).Seconds()))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}

// serveRateLimited writes a 429 with a Retry-After carrying ±10% jitter so
// clients denied together do not return together.
func serveRateLimited(w http.ResponseWriter, res ratelimit.Result, code, message string) {
	retry := time.Duration(float64(res.RetryAfter) * (0.9 + rand.Float64()*0.2))
	secs := max(1, math.Ceil(retry.Seconds()))
	w.Header().Set("Retry-After", strconv.FormatFloat(secs, 'f', 0, 64))
	writeErrorBody(w, http.StatusTooManyRequests, errorBody{Error: code, Message: message, RetryAfter: secs})
}

// lookupRoute maps /api/{service}/... to the service route.
func (s *settings) lookupRoute(path string) (route, bool) {
	name, ok := serviceName(path)
	if !ok {
		return route{}, false
	}
	rt, ok := s.routes[name]
	return rt, ok
}

// serviceName returns the first path segment after /api/.
func serviceName(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(rest, "/")
	return name, name != ""
}

// stripServicePrefix returns r with /api/{service} removed from its path.
// r itself is not modified.
func stripServicePrefix(r *http.Request, service string) *http.Request {
	prefix := "/api/" + service
	strip := func(p string) string {
		p = strings.TrimPrefix(p, prefix)
		if p == "" {
			return "/"
		}
		return p
	}
	u := *r.URL
	u.Path = strip(u.Path)
	if u.RawPath != "" {
		u.RawPath = strip(u.RawPath)
	}
	out := r.WithContext(r.Context())
	out.URL = &u
	return out
}

// Protect runs the request id and rate limit stages in front of next. It
// guards routes served beside the pipeline, such as the admin API.
func (c *Chain) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &request{id: correlationID(r), settings: c.settings.Load()}
		r.Header.Set(correlationIDHeader, req.id)
		r.Header.Set(requestIDHeader, req.id)
		w.Header().Set(correlationIDHeader, req.id)
		w.Header().Set(requestIDHeader, req.id)
		if !c.limit(w, r, req) {
			return
		}
		next.ServeHTTP(w, r)
	})
}
