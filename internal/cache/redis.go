package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/model"
)

// DefaultRedisPrefix prefixes the hit-counter key of each entry.
const DefaultRedisPrefix = "redis_prefix_"

// RedisOptions configures the shared Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type redisEntry struct {
	Response *model.Response `json:"response"`
	HitLimit int             `json:"hit_limit,omitempty"`
}

// RedisStore keeps the JSON-encoded response under the URI key and the hit
// count under Prefix+URI. Expiry is Redis' own PEXPIRE.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore dials lazily; the first command opens the connection.
func NewRedisStore(opts RedisOptions) *RedisStore {
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreWithClient(c, opts.Prefix)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(c redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: c, prefix: prefix}
}

func (r *RedisStore) countKey(key string) string { return r.prefix + key }

// hitScript counts one read. KEYS[1] is the entry, KEYS[2] its counter.
// It returns -1 when the entry is gone, which also drops a stray counter.
// A counter created here inherits the entry's remaining TTL.
var hitScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then
  redis.call('DEL', KEYS[2])
  return -1
end
local n = redis.call('INCR', KEYS[2])
if ttl > 0 and redis.call('PTTL', KEYS[2]) == -1 then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return n
`)

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return gwerr.New(gwerr.ErrCacheBackend, "redis ping", err)
	}
	return nil
}

// Get fetches key. With a hit limit the counter is bumped atomically; the
// read that reaches the limit is served and removes both keys, reads past
// it are misses.
func (r *RedisStore) Get(ctx context.Context, key string, p Policy) (*model.Response, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, gwerr.New(gwerr.ErrCacheBackend, "redis get", err)
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil || e.Response == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		return nil, false, gwerr.New(gwerr.ErrCacheBackend, "redis decode", err)
	}

	ck := r.countKey(key)
	limit := e.HitLimit
	if p.HitLimit > 0 {
		limit = p.HitLimit
	}
	if limit > 0 {
		n, err := hitScript.Run(ctx, r.client, []string{key, ck}).Int64()
		if err != nil {
			return nil, false, gwerr.New(gwerr.ErrCacheBackend, "redis incr", err)
		}
		switch {
		case n < 0 || n > int64(limit):
			return nil, false, nil
		case n == int64(limit):
			if err := r.client.Del(ctx, key, ck).Err(); err != nil {
				return nil, false, gwerr.New(gwerr.ErrCacheBackend, "redis del", err)
			}
			return e.Response, true, nil
		}
	}
	if p.TTL > 0 {
		pipe := r.client.TxPipeline()
		pipe.PExpire(ctx, key, p.TTL)
		pipe.PExpire(ctx, ck, p.TTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, false, gwerr.New(gwerr.ErrCacheBackend, "redis pexpire", err)
		}
	}
	return e.Response, true, nil
}

// Set writes the response and resets its hit counter.
func (r *RedisStore) Set(ctx context.Context, key string, resp *model.Response, p Policy) error {
	raw, err := json.Marshal(redisEntry{Response: resp, HitLimit: p.HitLimit})
	if err != nil {
		return gwerr.New(gwerr.ErrCacheBackend, "redis encode", err)
	}
	ck := r.countKey(key)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, raw, p.TTL)
	if p.HitLimit > 0 {
		pipe.Set(ctx, ck, 0, p.TTL)
	} else {
		pipe.Del(ctx, ck)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return gwerr.New(gwerr.ErrCacheBackend, "redis set", err)
	}
	return nil
}

// Delete removes key and its counter.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key, r.countKey(key)).Err(); err != nil {
		return gwerr.New(gwerr.ErrCacheBackend, "redis del", err)
	}
	return nil
}

// Close releases the client's connections.
func (r *RedisStore) Close() error { return r.client.Close() }
