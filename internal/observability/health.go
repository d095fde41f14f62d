package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Probe bodies are fixed, so they are serialized once.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","store":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","store":"unreachable"}`)
)

// deepPingTimeout bounds the store ping done by /readyz?deep=true.
const deepPingTimeout = 2 * time.Second

// Pinger is implemented by anything whose connectivity can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker backs the startup, liveness and readiness probes served on
// the admin listener.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	pinger Pinger
}

// NewHealthChecker returns a checker that is neither started nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks startup as complete.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted reports whether startup has completed.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the gateway as ready for traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the gateway as draining.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady reports whether the gateway accepts traffic.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetStorePinger registers the shared store for deep readiness checks.
// nil clears it.
func (h *HealthChecker) SetStorePinger(p Pinger) {
	h.mu.Lock()
	h.pinger = p
	h.mu.Unlock()
}

func (h *HealthChecker) storePinger() Pinger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pinger
}

func writeProbe(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// StartzHandler answers 200 once startup completed and 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeProbe(w, http.StatusOK, jsonStarted)
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler answers 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler answers 200 when ready and 503 otherwise. With ?deep=true
// and a registered pinger it also pings the store.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeProbe(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeProbe(w, http.StatusOK, jsonReady)
			return
		}
		if p := h.storePinger(); p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), deepPingTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeProbe(w, http.StatusServiceUnavailable, jsonDeepFail)
				return
			}
		}
		writeProbe(w, http.StatusOK, jsonDeepOK)
	}
}
