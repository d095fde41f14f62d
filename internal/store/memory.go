package store

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the memory budget of the in-process store (64 MiB).
const defaultMaxCost = 64 << 20

// entryOverhead approximates the fixed footprint of one entry in bytes.
const entryOverhead = 64

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e *memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore implements Store in local memory. Values live in a ristretto
// cache, which bounds memory and evicts with TinyLFU, so a key can vanish
// before its TTL under pressure. State is per process and never shared.
//
// Read-modify-write operations and the key index are serialized by mu.
type MemoryStore struct {
	cache     *ristretto.Cache[string, *memEntry]
	now       func() time.Time
	closeOnce sync.Once

	mu    sync.Mutex
	index map[string]struct{}
}

// NewMemoryStore creates an in-process store with the given memory budget
// in bytes. maxCost <= 0 selects 64 MiB.
func NewMemoryStore(maxCost int64) (*MemoryStore, error) {
	if maxCost <= 0 {
		maxCost = defaultMaxCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *memEntry]{
		NumCounters:        max(maxCost/entryOverhead*10, 1000),
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: create memory cache: %w", err)
	}
	return &MemoryStore{
		cache: cache,
		now:   time.Now,
		index: make(map[string]struct{}),
	}, nil
}

// load returns the live entry for key. Callers hold mu.
func (s *MemoryStore) load(key string) (*memEntry, bool) {
	e, ok := s.cache.Get(key)
	if !ok || !e.live(s.now()) {
		return nil, false
	}
	return e, true
}

// store writes key and waits for the write to become visible. Callers hold mu.
func (s *MemoryStore) store(key string, e *memEntry) {
	cost := int64(len(key)+len(e.value)) + entryOverhead
	if e.expiresAt.IsZero() {
		s.cache.Set(key, e, cost)
	} else {
		s.cache.SetWithTTL(key, e, cost, e.expiresAt.Sub(s.now()))
	}
	s.cache.Wait()
	s.index[key] = struct{}{}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.load(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(key, &memEntry{value: value})
	return nil
}

func (s *MemoryStore) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: ttl must be positive, got %s", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(key, &memEntry{value: value, expiresAt: s.now().Add(ttl)})
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, expiresAt, err := s.current(key)
	if err != nil {
		return 0, err
	}
	n++
	s.store(key, &memEntry{value: strconv.FormatInt(n, 10), expiresAt: expiresAt})
	return n, nil
}

func (s *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return 0, 0, fmt.Errorf("store: window must be positive, got %s", window)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, expiresAt, err := s.current(key)
	if err != nil {
		return 0, 0, err
	}
	now := s.now()
	if n == 0 || expiresAt.IsZero() {
		expiresAt = now.Add(window)
	}
	n++
	s.store(key, &memEntry{value: strconv.FormatInt(n, 10), expiresAt: expiresAt})
	return n, expiresAt.Sub(now), nil
}

// current parses the counter at key. Callers hold mu.
func (s *MemoryStore) current(key string) (int64, time.Time, error) {
	e, ok := s.load(key)
	if !ok {
		return 0, time.Time{}, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("store: value at %q is not an integer", key)
	}
	return n, e.expiresAt, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.cache.Del(k)
		delete(s.index, k)
	}
	s.cache.Wait()
	return nil
}

// Keys matches with path.Match semantics and prunes index entries whose
// values expired or were evicted.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("store: bad pattern %q: %w", pattern, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for k := range s.index {
		if _, ok := s.load(k); !ok {
			delete(s.index, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close releases the cache. Reads after Close miss and writes are dropped.
// Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(s.cache.Close)
	return nil
}
