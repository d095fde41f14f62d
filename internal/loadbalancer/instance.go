package loadbalancer

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgequota/edgegate/internal/config"
)

// Health is the probe-derived state of an instance.
type Health int32

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText encodes the health by name.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Health) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*h = HealthHealthy
	case "unhealthy":
		*h = HealthUnhealthy
	case "unknown":
		*h = HealthUnknown
	default:
		return fmt.Errorf("unknown health %q", b)
	}
	return nil
}

// Instance is one backend of a service. Identity fields are immutable; the
// runtime counters are atomics written by the monitor and the forwarder.
type Instance struct {
	ID       string
	URL      string
	Weight   int
	Metadata config.InstanceMetadata

	target *url.URL

	health       atomic.Int32
	active       atomic.Int64
	lastResponse atomic.Int64 // nanoseconds
	lastCheck    atomic.Int64 // unix nanoseconds, 0 = never
}

// NewInstance validates cfg and creates an instance in the unknown state.
func NewInstance(cfg config.InstanceConfig) (*Instance, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	normalized, err := config.NormalizeURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("instance %s: invalid url %q: %w", cfg.ID, cfg.URL, err)
	}
	target, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", cfg.ID, err)
	}
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("instance %s: weight must be >= 0", cfg.ID)
	}
	return &Instance{
		ID:       cfg.ID,
		URL:      normalized,
		Weight:   cfg.Weight,
		Metadata: cfg.Metadata,
		target:   target,
	}, nil
}

// Target is the parsed instance URL. Callers must not modify it.
func (i *Instance) Target() *url.URL { return i.target }

func (i *Instance) Health() Health { return Health(i.health.Load()) }

// SetHealth stores h and returns the previous value.
func (i *Instance) SetHealth(h Health) Health { return Health(i.health.Swap(int32(h))) }

func (i *Instance) Healthy() bool { return i.Health() == HealthHealthy }

func (i *Instance) ActiveConnections() int64 { return i.active.Load() }

// Acquire counts one in-flight request. The returned release func is safe
// to call more than once; only the first call decrements.
func (i *Instance) Acquire() (release func()) {
	i.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { i.active.Add(-1) })
	}
}

// ObserveResponse records the latency of the latest request or probe.
func (i *Instance) ObserveResponse(d time.Duration) { i.lastResponse.Store(int64(d)) }

func (i *Instance) LastResponseTime() time.Duration { return time.Duration(i.lastResponse.Load()) }

func (i *Instance) markChecked(t time.Time) { i.lastCheck.Store(t.UnixNano()) }

// LastHealthCheck is zero until the first probe completes.
func (i *Instance) LastHealthCheck() time.Time {
	n := i.lastCheck.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// InstanceStatus is the admin view of an instance.
type InstanceStatus struct {
	ID                 string                  `json:"id"`
	URL                string                  `json:"url"`
	Weight             int                     `json:"weight"`
	Health             Health                  `json:"health"`
	ActiveConnections  int64                   `json:"active_connections"`
	LastResponseTimeMs float64                 `json:"last_response_time_ms"`
	LastHealthCheck    *time.Time              `json:"last_health_check,omitempty"`
	Metadata           config.InstanceMetadata `json:"metadata"`
}

func (i *Instance) Status() InstanceStatus {
	s := InstanceStatus{
		ID:                 i.ID,
		URL:                i.URL,
		Weight:             i.Weight,
		Health:             i.Health(),
		ActiveConnections:  i.ActiveConnections(),
		LastResponseTimeMs: float64(i.LastResponseTime()) / float64(time.Millisecond),
		Metadata:           i.Metadata,
	}
	if t := i.LastHealthCheck(); !t.IsZero() {
		s.LastHealthCheck = &t
	}
	return s
}
