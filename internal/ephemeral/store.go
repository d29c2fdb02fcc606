// Package ephemeral wraps the Valkey/Redis client with the narrow set of typed
// operations the hub needs: set-with-TTL, get, del, keys-by-prefix, list
// push/range/del, set add/rem/members, and an atomic counter with
// first-write TTL. Higher-level packages (presence, ratelimit, queue, room)
// build on top of Store rather than touching *redis.Client directly.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps any failure talking to the ephemeral store so callers
// can distinguish "key absent" (no error, zero value) from "store
// unreachable" and degrade accordingly.
var ErrUnavailable = errors.New("ephemeral store unavailable")

// Store is a thin typed wrapper around a Redis/Valkey client.
type Store struct {
	rdb *redis.Client
}

// New creates a Store backed by the given client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// SetTTL writes a string value with an expiry.
func (s *Store) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("set", s.rdb.Set(ctx, key, value, ttl).Err())
}

// Get returns the value for key, and ok=false if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return v, true, nil
}

// Del removes a key. Deleting an absent key is not an error.
func (s *Store) Del(ctx context.Context, key string) error {
	return wrap("del", s.rdb.Del(ctx, key).Err())
}

// Exists reports whether key is currently present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

// KeysByPrefix scans the keyspace for keys matching prefix+"*" without
// blocking the server, using cursor-based SCAN rather than KEYS.
func (s *Store) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, wrap("scan", err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// ListPush appends value to the tail of a list, refreshing the list's TTL in
// the same pipelined round trip.
func (s *Store) ListPush(ctx context.Context, key, value string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, value)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return wrap("list push", err)
}

// ListRange returns the full contents of a list in insertion order.
func (s *Store) ListRange(ctx context.Context, key string) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrap("list range", err)
	}
	return vals, nil
}

// ListDel deletes an entire list key.
func (s *Store) ListDel(ctx context.Context, key string) error {
	return wrap("list del", s.rdb.Del(ctx, key).Err())
}

// SetAdd adds members to a set, refreshing TTL in the same pipeline.
func (s *Store) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return wrap("set add", err)
}

// SetRem removes a member from a set.
func (s *Store) SetRem(ctx context.Context, key, member string) error {
	return wrap("set rem", s.rdb.SRem(ctx, key, member).Err())
}

// SetMembers returns all members of a set.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("set members", err)
	}
	return vals, nil
}

// SetIsMember reports whether member belongs to the set at key.
func (s *Store) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrap("set is member", err)
	}
	return ok, nil
}

// rateLimitScript implements the fixed-window rate limiter's exact contract
// atomically: absent key -> create with value 1 and the given TTL, allowed;
// present and >= limit -> refused, the counter is left untouched; present
// and < limit -> incremented without resetting its TTL, allowed. Returning
// "no increment on refusal" is the reason this can't be expressed with
// plain INCR+GET: a caller-side check-then-incr would race across
// connections sharing the same key.
var rateLimitScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	redis.call("SET", KEYS[1], 1, "EX", ARGV[1])
	return 1
end
if tonumber(current) >= tonumber(ARGV[2]) then
	return -1
end
return redis.call("INCR", KEYS[1])
`)

// TryIncrement applies the fixed-window rate limiter contract for key:
// limit is the maximum allowed count per window, ttl is the window length.
// It returns allowed=false without mutating the counter when the limit has
// already been reached.
func (s *Store) TryIncrement(ctx context.Context, key string, limit int64, ttl time.Duration) (allowed bool, count int64, err error) {
	res, err := rateLimitScript.Run(ctx, s.rdb, []string{key}, int64(ttl.Seconds()), limit).Int64()
	if err != nil {
		return false, 0, wrap("rate limit incr", err)
	}
	if res == -1 {
		return false, limit, nil
	}
	return true, res, nil
}

// DrainList atomically reads and deletes an entire list in one round trip,
// so two callers draining the same offline queue concurrently cannot both
// observe (and redeliver) the same entries.
func (s *Store) DrainList(ctx context.Context, key string) ([]string, error) {
	pipe := s.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap("list drain", err)
	}
	return rangeCmd.Val(), nil
}

// Peek returns the current counter value without incrementing it, and
// ok=false if the key is absent.
func (s *Store) Peek(ctx context.Context, key string) (value int64, ok bool, err error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("peek", err)
	}
	return n, true, nil
}

// Ping verifies connectivity to the underlying store.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.rdb.Ping(ctx).Err())
}

// Client exposes the underlying client for callers (health checks,
// pub/sub) that genuinely need it; typed operations should prefer the
// methods above.
func (s *Store) Client() *redis.Client {
	return s.rdb
}
