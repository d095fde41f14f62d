package fallback

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/edgequota/edgegate/internal/config"
)

// Recorder wraps the client ResponseWriter of a GET to a cached-mode
// service and buffers a copy of a 200 response for later fallback use.
// Every write passes through unchanged.
type Recorder struct {
	http.ResponseWriter
	cache   *Cache
	service string
	key     string
	policy  Policy

	status     int
	buf        *bytes.Buffer
	headerSent bool
}

// Record returns w wrapped in a Recorder when the request is eligible for
// caching, and nil otherwise.
func (c *Cache) Record(w http.ResponseWriter, r *http.Request, service string) *Recorder {
	if c.store == nil || r.Method != http.MethodGet {
		return nil
	}
	p := c.Policy(service)
	if p.Mode != config.FallbackModeCached {
		return nil
	}
	return &Recorder{
		ResponseWriter: w,
		cache:          c,
		service:        service,
		key:            RequestKey(r),
		policy:         p,
		status:         http.StatusOK,
	}
}

func (rw *Recorder) WriteHeader(code int) {
	if rw.headerSent {
		return
	}
	rw.headerSent = true
	rw.status = code
	if code == http.StatusOK && storable(rw.Header()) {
		rw.buf = &bytes.Buffer{}
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *Recorder) Write(b []byte) (int, error) {
	if !rw.headerSent {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	if rw.buf != nil {
		rw.buf.Write(b[:n])
		if int64(rw.buf.Len()) > rw.policy.MaxBodySize {
			rw.buf = nil
		}
	}
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *Recorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *Recorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Finish stores the buffered response. Call it after the handler returns.
func (rw *Recorder) Finish(ctx context.Context) {
	if rw.buf == nil {
		return
	}
	headers := make(http.Header)
	for _, k := range []string{"Content-Type", "Content-Encoding", "Cache-Control", "ETag", "Last-Modified"} {
		if vs := rw.Header().Values(k); len(vs) > 0 {
			headers[k] = vs
		}
	}
	rw.cache.save(ctx, rw.service, rw.key, &Entry{
		Status:   rw.status,
		Headers:  headers,
		Body:     bytes.Clone(rw.buf.Bytes()),
		StoredAt: time.Now(),
	}, rw.policy.CacheTTL)
}

// storable honors no-store and private from the upstream.
func storable(h http.Header) bool {
	for _, d := range strings.Split(h.Get("Cache-Control"), ",") {
		switch strings.ToLower(strings.TrimSpace(d)) {
		case "no-store", "private":
			return false
		}
	}
	return true
}
