package store

import (
	"context"
	"crypto/sha1" //nolint:gosec // script digest required by EVALSHA
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/edgequota/edgegate/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// incrWindowScript increments KEYS[1] and arms a PEXPIRE of ARGV[1] ms on
// the first hit. A key that lost its TTL is re-armed so a window can never
// become permanent. Returns {count, pttl}.
const incrWindowScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`

var incrWindowSHA = func() string {
	sum := sha1.Sum([]byte(incrWindowScript)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}()

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 200

// RedisStore implements Store over a go-redis client.
type RedisStore struct {
	client redis.Client
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(client redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// IncrWindow runs the window script with EVALSHA and falls back to EVAL when
// the server has not cached it yet.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return 0, 0, fmt.Errorf("store: window must be positive, got %s", window)
	}
	keys := []string{key}
	ms := window.Milliseconds()
	if ms == 0 {
		ms = 1
	}

	res, err := s.client.EvalSha(ctx, incrWindowSHA, keys, ms).Result()
	if redis.IsNoScriptErr(err) {
		res, err = s.client.Eval(ctx, incrWindowScript, keys, ms).Result()
	}
	if err != nil {
		return 0, 0, err
	}
	return parseWindowReply(res)
}

func parseWindowReply(res any) (int64, time.Duration, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("store: unexpected window reply %T", res)
	}
	n, ok1 := vals[0].(int64)
	ttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("store: unexpected window reply types %T, %T", vals[0], vals[1])
	}
	return n, time.Duration(ttl) * time.Millisecond, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Keys walks SCAN MATCH to completion.
// TODO: in cluster mode SCAN only reaches one node; iterate ForEachMaster.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
