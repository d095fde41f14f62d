// Package events carries gateway state changes (breaker transitions,
// instance health flips, pool membership) to their consumers: synchronous
// sinks, an in-memory ring of recent events for the admin API, and an
// optional batched HTTP webhook. Publishing never blocks the request path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/observability"
)

// Kind names the subsystem that changed state.
type Kind string

const (
	KindCircuitBreaker  Kind = "circuit_breaker"
	KindInstanceHealth  Kind = "instance_health"
	KindInstanceAdded   Kind = "instance_added"
	KindInstanceRemoved Kind = "instance_removed"
)

// StateChange is one transition.
type StateChange struct {
	Kind      Kind      `json:"kind"`
	Service   string    `json:"service"`
	Instance  string    `json:"instance,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts state changes. Implementations must not block.
type Publisher interface {
	Publish(ev StateChange)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(StateChange) {}

// Sink consumes events synchronously inside Publish, so it must be cheap.
type Sink interface {
	Handle(ev StateChange)
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Handle(ev StateChange) {
	s.Logger.Info("state change",
		"kind", ev.Kind, "service", ev.Service, "instance", ev.Instance,
		"from", ev.From, "to", ev.To, "reason", ev.Reason)
}

// CounterSink is the metrics contract MetricsSink needs.
type CounterSink interface {
	IncrementCounter(name string, labels map[string]string)
}

// MetricsSink counts events as edgegate_state_changes_total{kind,to}.
type MetricsSink struct {
	Metrics CounterSink
}

func (s MetricsSink) Handle(ev StateChange) {
	s.Metrics.IncrementCounter("state_changes", map[string]string{
		"kind": string(ev.Kind),
		"to":   ev.To,
	})
}

// Emitter fans published events out to its sinks, keeps the most recent
// ones for inspection and, when a webhook URL is configured, batches them to
// the receiver from a background goroutine.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	sinks   []Sink
	now     func() time.Time

	recentMu   sync.Mutex
	recent     []StateChange
	recentNext int
	recentFull bool

	httpURL       string
	httpClient    *http.Client
	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ringMu   sync.Mutex
	ring     []StateChange
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter creates an emitter. metrics may be nil.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics, sinks ...Sink) *Emitter {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	recentSize := cfg.RecentSize
	if recentSize <= 0 {
		recentSize = 100
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		sinks:         sinks,
		now:           time.Now,
		recent:        make([]StateChange, recentSize),
		httpURL:       cfg.HTTP.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: config.MustParseDuration(cfg.FlushInterval, time.Second),
		bufferSize:    bufferSize,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	if e.httpURL != "" {
		e.ring = make([]StateChange, bufferSize)
		e.wg.Add(1)
		go e.flushLoop()
	}
	return e
}

// Publish records ev. A zero Timestamp is set to now.
func (e *Emitter) Publish(ev StateChange) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	for _, s := range e.sinks {
		s.Handle(ev)
	}

	e.recentMu.Lock()
	e.recent[e.recentNext] = ev
	e.recentNext = (e.recentNext + 1) % len(e.recent)
	if e.recentNext == 0 {
		e.recentFull = true
	}
	e.recentMu.Unlock()

	if e.ring != nil {
		e.enqueue(ev)
	}
}

// Recent returns up to n events, newest first. n <= 0 returns all retained.
func (e *Emitter) Recent(n int) []StateChange {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	size := e.recentNext
	if e.recentFull {
		size = len(e.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]StateChange, n)
	for i := range n {
		idx := (e.recentNext - 1 - i + len(e.recent)) % len(e.recent)
		out[i] = e.recent[idx]
	}
	return out
}

// enqueue adds ev to the webhook ring. When the ring is full the oldest
// event is dropped.
func (e *Emitter) enqueue(ev StateChange) {
	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.metrics != nil {
			e.metrics.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and delivers what is still buffered.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		if e.ring != nil {
			e.flush()
		}
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.sendHTTP(batch)
	}
}

func (e *Emitter) drain() []StateChange {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}
	n := min(e.ringLen, e.batchSize)
	batch := make([]StateChange, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) sendHTTP(batch []StateChange) {
	body, err := json.Marshal(struct {
		Events []StateChange `json:"events"`
	}{Events: batch})
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("events receiver returned error", "status", resp.StatusCode, "count", len(batch))
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(http=%s, batch=%d, flush=%s, buf=%d, recent=%d)",
		e.httpURL, e.batchSize, e.flushInterval, e.bufferSize, len(e.recent))
}
