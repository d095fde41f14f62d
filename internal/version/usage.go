package version

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgequota/edgegate/internal/store"
)

// CounterStore is the store subset the usage counter needs.
type CounterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
}

// Usage counts requests per resolved version, in process and in the
// shared store. Store writes go through a bounded queue drained by one
// worker, so Record never waits on the store. Writes that find the queue
// full are dropped.
type Usage struct {
	store   CounterStore
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	counts map[string]*atomic.Int64

	queue     chan string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// usageQueueSize bounds the pending store writes.
const usageQueueSize = 1024

// NewUsage creates a usage counter. s may be nil. Call Close to stop the
// store writer.
func NewUsage(s CounterStore, logger *slog.Logger) *Usage {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Usage{
		store:   s,
		logger:  logger.With("component", "version"),
		timeout: 100 * time.Millisecond,
		counts:  make(map[string]*atomic.Int64),
		done:    make(chan struct{}),
	}
	if s != nil {
		u.queue = make(chan string, usageQueueSize)
		u.wg.Add(1)
		go u.writeLoop()
	}
	return u
}

// Close stops the store writer after it flushes what is queued.
func (u *Usage) Close() {
	u.closeOnce.Do(func() {
		close(u.done)
		u.wg.Wait()
	})
}

func (u *Usage) writeLoop() {
	defer u.wg.Done()
	for {
		select {
		case v := <-u.queue:
			u.write(v)
		case <-u.done:
			for {
				select {
				case v := <-u.queue:
					u.write(v)
				default:
					return
				}
			}
		}
	}
}

func (u *Usage) write(v string) {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()
	if _, err := u.store.Incr(ctx, store.VersionUsageKey(v)); err != nil {
		u.logger.Debug("failed to record version usage", "version", v, "error", err)
	}
}

func (u *Usage) counter(v string) *atomic.Int64 {
	u.mu.RLock()
	c, ok := u.counts[v]
	u.mu.RUnlock()
	if ok {
		return c
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if c, ok = u.counts[v]; !ok {
		c = new(atomic.Int64)
		u.counts[v] = c
	}
	return c
}

func (u *Usage) load(v string) int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if c, ok := u.counts[v]; ok {
		return c.Load()
	}
	return 0
}

// Record counts one request for v and queues the store increment.
func (u *Usage) Record(v string) {
	u.counter(v).Add(1)
	if u.queue == nil {
		return
	}
	select {
	case <-u.done:
		return
	default:
	}
	select {
	case u.queue <- v:
	default:
		u.logger.Debug("version usage queue full, dropping store write", "version", v)
	}
}

// VersionCount is the usage of one version.
type VersionCount struct {
	Version string `json:"version"`
	Process int64  `json:"process"`
	Store   *int64 `json:"store,omitempty"`
}

// Snapshot returns the counts of versions plus any version seen in
// process, sorted by version. Store counts are omitted when unreadable.
func (u *Usage) Snapshot(ctx context.Context, versions []string) []VersionCount {
	u.mu.RLock()
	seen := slices.Clone(versions)
	for v := range u.counts {
		if !slices.Contains(seen, v) {
			seen = append(seen, v)
		}
	}
	u.mu.RUnlock()
	slices.Sort(seen)

	out := make([]VersionCount, 0, len(seen))
	for _, v := range seen {
		vc := VersionCount{Version: v, Process: u.load(v)}
		if u.store != nil {
			raw, err := u.store.Get(ctx, store.VersionUsageKey(v))
			switch {
			case err == nil:
				if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
					vc.Store = &n
				}
			case errors.Is(err, store.ErrNotFound):
				var zero int64
				vc.Store = &zero
			}
		}
		out = append(out, vc)
	}
	return out
}
