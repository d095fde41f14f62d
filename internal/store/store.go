// Package store defines the shared TTL key-value contract used by the
// gateway's stateful subsystems: rate-limit windows, sticky bindings,
// breaker status, health flags and version usage counters.
//
// RedisStore is the shared implementation. MemoryStore keeps the same
// semantics in process and serves as the degraded mode of FailoverStore.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("store: key not found")

// Store is a key-value store with per-key TTL and atomic counters.
type Store interface {
	// Get returns the value of key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value without expiry.
	Set(ctx context.Context, key, value string) error

	// SetEx stores value with a TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments key and returns the new value.
	// A missing key starts at zero and gets no expiry.
	Incr(ctx context.Context, key string) (int64, error)

	// IncrWindow atomically increments key. The first increment arms a TTL
	// of window; later ones leave it untouched. It returns the new count
	// and the time left until the key expires.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Keys lists keys matching a glob pattern. Intended for admin views,
	// not the request path.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Key builders shared by the subsystems that write to the store.

// StatusKey is the breaker status key of a service.
func StatusKey(service string) string { return "service:status:" + service }

// HealthKey is the health flag key of an instance.
func HealthKey(service, instance string) string { return "health:" + service + ":" + instance }

// StickyKey is the sticky binding key of a session.
func StickyKey(service, session string) string { return "sticky:" + service + ":" + session }

// VersionUsageKey is the usage counter key of an API version.
func VersionUsageKey(version string) string { return "api:version:usage:" + version }

// FallbackKey is the cached fallback response key of a request.
func FallbackKey(service, request string) string { return "fallback:" + service + ":" + request }
