// Package admin serves the operational API of the gateway: health
// summaries, pool and breaker status, metrics snapshots, recent events and
// the few mutations operators need (breaker reset, instance add/remove).
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/edgequota/edgegate/internal/circuitbreaker"
	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/events"
	"github.com/edgequota/edgegate/internal/loadbalancer"
	"github.com/edgequota/edgegate/internal/observability"
	"github.com/edgequota/edgegate/internal/proxy"
	"github.com/edgequota/edgegate/internal/version"
)

// Error codes of the admin API.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeBadRequest   = "BAD_REQUEST"
	CodeNotFound     = "NOT_FOUND"
	CodeLastInstance = "LAST_INSTANCE"
	CodeConflict     = "CONFLICT"
)

const (
	maxBodyBytes  = 64 << 10
	defaultEvents = 100
	pingTimeout   = 2 * time.Second
)

// Options carries the components the admin API reads and mutates.
type Options struct {
	Version  string
	Store    observability.Pinger
	Balancer *loadbalancer.Balancer
	Breakers *circuitbreaker.Engine
	Metrics  *observability.Metrics
	Usage    *version.Usage
	Events   *events.Emitter
	Logger   *slog.Logger
}

// settings is the reloadable part of the admin config.
type settings struct {
	token     string
	urlPolicy config.URLPolicy
	versions  []string
}

// Handler is the admin HTTP API.
type Handler struct {
	o       Options
	logger  *slog.Logger
	started time.Time
	mux     *http.ServeMux

	settings atomic.Pointer[settings]
}

// New builds the admin API.
func New(cfg *config.Config, o Options) *Handler {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		o:       o,
		logger:  logger.With("component", "admin"),
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	h.Reload(cfg)

	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("GET /health/detailed", h.healthDetailed)
	h.mux.HandleFunc("GET /admin/services/status", h.servicesStatus)
	h.mux.HandleFunc("GET /admin/metrics/performance", h.performance)
	h.mux.HandleFunc("GET /admin/metrics/versions", h.versions)
	h.mux.HandleFunc("GET /admin/circuit-breakers/status", h.breakersStatus)
	h.mux.HandleFunc("GET /admin/events", h.events)

	h.mux.Handle("POST /admin/circuit-breakers/{service}/reset", h.authorize(h.resetBreaker))
	h.mux.Handle("POST /admin/services/{service}/instances", h.authorize(h.addInstance))
	h.mux.Handle("DELETE /admin/services/{service}/instances/{id}", h.authorize(h.removeInstance))
	return h
}

// Reload swaps the token, URL policy and version list.
func (h *Handler) Reload(cfg *config.Config) {
	s := &settings{
		token:     cfg.Admin.Token.Value(),
		urlPolicy: cfg.Proxy.URLPolicy,
	}
	for _, v := range cfg.Versioning.Versions {
		s.versions = append(s.versions, version.Normalize(v.Version))
	}
	h.settings.Store(s)
}

// Handles reports whether path belongs to the admin API.
func Handles(path string) bool {
	return path == "/health" || path == "/health/detailed" ||
		path == "/admin" || strings.HasPrefix(path, "/admin/")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authorize requires the bearer token. Mutations are refused outright while
// no token is configured.
func (h *Handler) authorize(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.settings.Load().token
		if token == "" {
			writeJSONError(w, http.StatusForbidden, CodeForbidden, "admin mutations are disabled until admin.token is set")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="edgegate-admin"`)
			writeJSONError(w, http.StatusUnauthorized, CodeUnauthorized, "a valid admin bearer token is required")
			return
		}
		next(w, r)
	})
}

// jsonErrorResponse is the error body, shared in shape with the pipeline.
type jsonErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	body, _ := json.Marshal(jsonErrorResponse{
		Error:     code,
		Message:   message,
		Code:      code,
		RequestID: w.Header().Get("X-Request-Id"),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(envelope{Success: true, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type healthSummary struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthSummary{
		Status:        "healthy",
		Version:       h.o.Version,
		UptimeSeconds: time.Since(h.started).Seconds(),
	})
}

type storeHealth struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type serviceHealth struct {
	Healthy int                  `json:"healthy"`
	Total   int                  `json:"total"`
	Breaker circuitbreaker.State `json:"circuit_breaker"`
}

type detailedHealth struct {
	healthSummary
	Store    storeHealth              `json:"store"`
	Services map[string]serviceHealth `json:"services"`
}

// healthDetailed answers 503 when any service has no healthy instance.
// A store outage degrades the status but the gateway keeps serving.
func (h *Handler) healthDetailed(w http.ResponseWriter, r *http.Request) {
	out := detailedHealth{
		healthSummary: healthSummary{
			Status:        "healthy",
			Version:       h.o.Version,
			UptimeSeconds: time.Since(h.started).Seconds(),
		},
		Services: make(map[string]serviceHealth),
	}

	if h.o.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.o.Store.Ping(ctx)
		cancel()
		out.Store.Connected = err == nil
		if err != nil {
			out.Store.Error = err.Error()
			out.Status = "degraded"
		}
	}

	status := http.StatusOK
	for _, p := range h.o.Balancer.Pools() {
		healthy, total := p.Counts()
		out.Services[p.Name()] = serviceHealth{
			Healthy: healthy,
			Total:   total,
			Breaker: h.o.Breakers.State(p.Name()),
		}
		if healthy == 0 {
			status = http.StatusServiceUnavailable
			out.Status = "unhealthy"
		}
	}
	writeJSON(w, status, out)
}

func (h *Handler) servicesStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.o.Balancer.Status(r.Context()))
}

type performanceReport struct {
	Services []observability.ServicePerformance `json:"services"`
	Stages   map[string]int64                   `json:"stages"`
	Counters observability.MetricsSnapshot      `json:"counters"`
}

func (h *Handler) performance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, performanceReport{
		Services: h.o.Metrics.Performance(),
		Stages:   h.o.Metrics.StageCounts(),
		Counters: h.o.Metrics.Snapshot(),
	})
}

func (h *Handler) versions(w http.ResponseWriter, r *http.Request) {
	if h.o.Usage == nil {
		writeJSON(w, http.StatusOK, []version.VersionCount{})
		return
	}
	writeJSON(w, http.StatusOK, h.o.Usage.Snapshot(r.Context(), h.settings.Load().versions))
}

func (h *Handler) breakersStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.o.Breakers.Snapshot())
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	n := defaultEvents
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeJSONError(w, http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer")
			return
		}
		n = v
	}
	if h.o.Events == nil {
		writeJSON(w, http.StatusOK, []events.StateChange{})
		return
	}
	writeJSON(w, http.StatusOK, h.o.Events.Recent(n))
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	svc := r.PathValue("service")
	if err := h.o.Breakers.Reset(svc); err != nil {
		if errors.Is(err, circuitbreaker.ErrUnknownService) {
			writeJSONError(w, http.StatusNotFound, CodeNotFound, "no circuit breaker for service "+svc)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	h.logger.Info("circuit breaker reset by operator", "service", svc, "remote", r.RemoteAddr)
	b, _ := h.o.Breakers.Breaker(svc)
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (h *Handler) addInstance(w http.ResponseWriter, r *http.Request) {
	svc := r.PathValue("service")
	var ic config.InstanceConfig
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ic); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, "invalid instance body: "+err.Error())
		return
	}
	if ic.ID == "" || ic.URL == "" {
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, "id and url are required")
		return
	}
	if ic.Weight < 0 {
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, "weight must not be negative")
		return
	}
	if err := proxy.ValidateInstanceURL(ic.URL, h.settings.Load().urlPolicy); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	in, err := h.o.Balancer.AddInstance(r.Context(), svc, ic)
	switch {
	case errors.Is(err, loadbalancer.ErrUnknownService):
		writeJSONError(w, http.StatusNotFound, CodeNotFound, "unknown service "+svc)
		return
	case errors.Is(err, loadbalancer.ErrDuplicateInstance):
		writeJSONError(w, http.StatusConflict, CodeConflict, "instance "+ic.ID+" already exists")
		return
	case err != nil:
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	h.logger.Info("instance added by operator", "service", svc, "instance", in.ID, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusCreated, in.Status())
}

func (h *Handler) removeInstance(w http.ResponseWriter, r *http.Request) {
	svc, id := r.PathValue("service"), r.PathValue("id")
	err := h.o.Balancer.RemoveInstance(r.Context(), svc, id)
	switch {
	case errors.Is(err, loadbalancer.ErrUnknownService), errors.Is(err, loadbalancer.ErrInstanceNotFound):
		writeJSONError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return
	case errors.Is(err, loadbalancer.ErrLastInstance):
		writeJSONError(w, http.StatusConflict, CodeLastInstance, "cannot remove the last instance of "+svc)
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	h.logger.Info("instance removed by operator", "service", svc, "instance", id, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"service": svc, "removed": id})
}
