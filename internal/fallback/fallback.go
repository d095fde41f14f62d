// Package fallback serves a degraded response for a service whose circuit
// breaker is open: either a static body from config or the last successful
// GET response, cached in the shared store while the service was healthy.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/store"
)

// Header marks fallback responses with the mode that produced them.
const Header = "X-Fallback"

// Entry is a cached upstream response.
type Entry struct {
	Status   int         `json:"status"`
	Headers  http.Header `json:"headers"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Policy is the fallback behavior of one service.
type Policy struct {
	Mode        config.FallbackMode
	Status      int
	ContentType string
	Body        []byte
	CacheTTL    time.Duration
	MaxBodySize int64
}

// PolicyFrom converts validated config.
func PolicyFrom(c config.FallbackConfig) Policy {
	return Policy{
		Mode:        c.Mode,
		Status:      c.Status,
		ContentType: c.ContentType,
		Body:        []byte(c.Body),
		CacheTTL:    config.MustParseDuration(c.CacheTTL, 5*time.Minute),
		MaxBodySize: c.MaxBodySize,
	}
}

// Cache holds the per-service policies and reads and writes cached
// entries through the shared store.
type Cache struct {
	store    store.Store
	logger   *slog.Logger
	timeout  time.Duration
	policies atomic.Pointer[map[string]Policy]
	group    singleflight.Group

	// OnServe is called with the service and mode of every fallback served.
	OnServe func(service string, mode config.FallbackMode)
}

// New builds a fallback cache for every configured service. s may be nil,
// which disables cached mode.
func New(cfg *config.Config, s store.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:   s,
		logger:  logger.With("component", "fallback"),
		timeout: config.MustParseDuration(cfg.Store.OperationTimeout, 250*time.Millisecond),
	}
	c.Reload(cfg)
	return c
}

// Reload swaps the service policies.
func (c *Cache) Reload(cfg *config.Config) {
	m := make(map[string]Policy, len(cfg.Services))
	for _, svc := range cfg.Services {
		m[svc.Name] = PolicyFrom(svc.Fallback)
	}
	c.policies.Store(&m)
}

// Policy returns the policy of service; mode none when unknown.
func (c *Cache) Policy(service string) Policy {
	if p, ok := (*c.policies.Load())[service]; ok {
		return p
	}
	return Policy{Mode: config.FallbackModeNone}
}

// RequestKey identifies a cacheable request: method, path and query.
func RequestKey(r *http.Request) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('|')
	b.WriteString(r.URL.Path)
	if r.URL.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(r.URL.RawQuery)
	}
	return b.String()
}

// Serve writes the fallback for service and reports whether it did. A
// cached-mode miss writes nothing.
func (c *Cache) Serve(w http.ResponseWriter, r *http.Request, service string) bool {
	p := c.Policy(service)
	switch p.Mode {
	case config.FallbackModeStatic:
		w.Header().Set("Content-Type", p.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(p.Body)))
		w.Header().Set(Header, string(config.FallbackModeStatic))
		w.WriteHeader(p.Status)
		_, _ = w.Write(p.Body)
	case config.FallbackModeCached:
		if r.Method != http.MethodGet {
			return false
		}
		e, ok := c.lookup(r.Context(), service, RequestKey(r))
		if !ok {
			return false
		}
		h := w.Header()
		for k, vs := range e.Headers {
			h[k] = vs
		}
		h.Set(Header, string(config.FallbackModeCached))
		h.Set("Age", strconv.Itoa(int(time.Since(e.StoredAt).Seconds())))
		w.WriteHeader(e.Status)
		_, _ = w.Write(e.Body)
	default:
		return false
	}
	if c.OnServe != nil {
		c.OnServe(service, p.Mode)
	}
	return true
}

// lookup reads a cached entry. Concurrent lookups of one key share a
// single store read.
func (c *Cache) lookup(ctx context.Context, service, reqKey string) (*Entry, bool) {
	if c.store == nil {
		return nil, false
	}
	key := store.FallbackKey(service, reqKey)
	v, err, _ := c.group.Do("get:"+key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		return &e, nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Debug("fallback lookup failed", "service", service, "error", err)
		}
		return nil, false
	}
	return v.(*Entry), true
}

// save stores e for ttl. Concurrent saves of one key collapse into one write.
func (c *Cache) save(ctx context.Context, service, reqKey string, e *Entry, ttl time.Duration) {
	key := store.FallbackKey(service, reqKey)
	_, _, _ = c.group.Do("put:"+key, func() (any, error) {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if err := c.store.SetEx(ctx, key, string(data), ttl); err != nil {
			c.logger.Debug("fallback store failed", "service", service, "error", err)
		}
		return nil, nil
	})
}
