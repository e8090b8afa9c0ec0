// Package cache provides a typed wrapper over a Redis-compatible store:
// strings, hashes, sets, lists, and the atomic primitives the rest of the
// service uses to coordinate across a fleet of server processes.
//
// A Client keeps a small connection pool and dispatches calls through
// go-redis; every call retries once on any error other than a missing key
// before surfacing ErrUnavailable, which callers treat as "skip this tick"
// rather than fatal.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
)

// ErrUnavailable is returned when the cache could not be reached after the
// retry and should be treated as a transient condition by the caller.
var ErrUnavailable = errors.New("cache: unavailable")

// I is the set of operations every higher-level component depends on. The
// real Client and the in-memory Fake both implement it, so the rest of the
// service can be tested without a live Redis-compatible server.
type I interface {
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, seconds int) error
	SAdd(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	HSet(ctx context.Context, key, field, value string) error
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HMSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HExists(ctx context.Context, key, field string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key, value string, seconds int) error
	SetNX(ctx context.Context, key, value string) (bool, error)
	SetExNX(ctx context.Context, key, value string, seconds int) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)
}

var _ I = (*Client)(nil)

// Client is a typed wrapper around a pooled redis.Client. All methods retry
// exactly once on any error other than redis.Nil (a missing key) before
// giving up with ErrUnavailable.
type Client struct {
	rdb  *redis.Client
	addr string
}

// New dials a Redis-compatible server at addr with a pool of poolSize
// connections selecting database db.
func New(addr string, db, poolSize int) (c *Client, err error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	rdb := redis.NewClient(
		&redis.Options{
			Addr:         addr,
			DB:           db,
			PoolSize:     poolSize,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
	)
	c = &Client{rdb: rdb, addr: addr}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = c.rdb.Ping(ctx).Err(); chk.E(err) {
		return nil, ErrUnavailable
	}
	return
}

// Close releases the underlying connection pool.
func (c *Client) Close() (err error) { return c.rdb.Close() }

// RetryConnect pings the server and attempts a fresh dial if unreachable.
// The main loop calls this once per tick before relying on any other
// operation.
func (c *Client) RetryConnect(ctx context.Context) (err error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err = c.rdb.Ping(cctx).Err(); err == nil {
		return
	}
	log.W.F("cache: lost connection to %s, retrying", c.addr)
	rdb := redis.NewClient(
		&redis.Options{
			Addr: c.addr, DB: c.rdb.Options().DB,
			PoolSize: c.rdb.Options().PoolSize,
		},
	)
	cctx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	if err = rdb.Ping(cctx2).Err(); chk.E(err) {
		return ErrUnavailable
	}
	_ = c.rdb.Close()
	c.rdb = rdb
	return
}

func (c *Client) retry(
	ctx context.Context, op func(ctx context.Context) error,
) (err error) {
	if err = op(ctx); err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	log.D.F("cache: op failed (%v), retrying once", err)
	if err = op(ctx); err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return ErrUnavailable
}

// Del removes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			return c.rdb.Del(ctx, keys...).Err()
		},
	)
}

// Expire sets a TTL in seconds on key.
func (c *Client) Expire(ctx context.Context, key string, seconds int) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			return c.rdb.Expire(ctx, key, time.Duration(seconds)*time.Second).Err()
		},
	)
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			return c.rdb.SAdd(ctx, key, toAny(members)...).Err()
		},
	)
}

// SIsMember reports whether member is present in the set at key.
func (c *Client) SIsMember(ctx context.Context, key, member string) (ok bool, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			ok, e = c.rdb.SIsMember(ctx, key, member).Result()
			return
		},
	)
	return
}

// SMembers returns every member of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) (members []string, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			members, e = c.rdb.SMembers(ctx, key).Result()
			return
		},
	)
	return
}

// HSet writes field=value into the hash at key.
func (c *Client) HSet(ctx context.Context, key, field, value string) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			return c.rdb.HSet(ctx, key, field, value).Err()
		},
	)
}

// HSetNX writes field=value only if field is absent; ok reports whether the
// write happened.
func (c *Client) HSetNX(
	ctx context.Context, key, field, value string,
) (ok bool, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			ok, e = c.rdb.HSetNX(ctx, key, field, value).Result()
			return
		},
	)
	return
}

// HMSet writes several fields at once into the hash at key.
func (c *Client) HMSet(ctx context.Context, key string, fields map[string]string) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			m := make(map[string]any, len(fields))
			for k, v := range fields {
				m[k] = v
			}
			return c.rdb.HSet(ctx, key, m).Err()
		},
	)
}

// HGet reads a single field from the hash at key. found is false when the
// hash or the field is absent.
func (c *Client) HGet(
	ctx context.Context, key, field string,
) (value string, found bool, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			value, e = c.rdb.HGet(ctx, key, field).Result()
			if errors.Is(e, redis.Nil) {
				found = false
				return nil
			}
			found = e == nil
			return
		},
	)
	return
}

// HGetAll reads every field of the hash at key.
func (c *Client) HGetAll(ctx context.Context, key string) (m map[string]string, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			m, e = c.rdb.HGetAll(ctx, key).Result()
			return
		},
	)
	return
}

// HIncrBy atomically adds delta to field in the hash at key and returns the
// new value.
func (c *Client) HIncrBy(
	ctx context.Context, key, field string, delta int64,
) (v int64, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			v, e = c.rdb.HIncrBy(ctx, key, field, delta).Result()
			return
		},
	)
	return
}

// HDel removes one or more fields from the hash at key.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			return c.rdb.HDel(ctx, key, fields...).Err()
		},
	)
}

// HExists reports whether field is present in the hash at key.
func (c *Client) HExists(ctx context.Context, key, field string) (ok bool, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			ok, e = c.rdb.HExists(ctx, key, field).Result()
			return
		},
	)
	return
}

// Get reads the string value at key. found is false when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			value, e = c.rdb.Get(ctx, key).Result()
			if errors.Is(e, redis.Nil) {
				found = false
				return nil
			}
			found = e == nil
			return
		},
	)
	return
}

// SetEx writes value at key with a TTL in seconds.
func (c *Client) SetEx(ctx context.Context, key, value string, seconds int) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			return c.rdb.SetEx(ctx, key, value, time.Duration(seconds)*time.Second).Err()
		},
	)
}

// SetNX writes value at key only if key is absent.
func (c *Client) SetNX(ctx context.Context, key, value string) (ok bool, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			ok, e = c.rdb.SetNX(ctx, key, value, 0).Result()
			return
		},
	)
	return
}

// SetExNX writes value at key with a TTL only if key is absent; this is the
// primitive used to elect the writer of a globally unique record (instance
// name, summary lock, server registration lock).
func (c *Client) SetExNX(
	ctx context.Context, key, value string, seconds int,
) (ok bool, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			ok, e = c.rdb.SetNX(ctx, key, value, time.Duration(seconds)*time.Second).Result()
			return
		},
	)
	return
}

// Incr atomically increments the integer at key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (v int64, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			v, e = c.rdb.Incr(ctx, key).Result()
			return
		},
	)
	return
}

// LPush pushes one or more values onto the head of the list at key.
func (c *Client) LPush(ctx context.Context, key string, values ...string) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			return c.rdb.LPush(ctx, key, toAny(values)...).Err()
		},
	)
}

// LRange reads the elements of the list at key from start to stop
// (inclusive, Redis semantics).
func (c *Client) LRange(
	ctx context.Context, key string, start, stop int64,
) (values []string, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			values, e = c.rdb.LRange(ctx, key, start, stop).Result()
			return
		},
	)
	return
}

// LTrim trims the list at key to the given inclusive range.
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) (err error) {
	return c.retry(
		ctx, func(ctx context.Context) error {
			return c.rdb.LTrim(ctx, key, start, stop).Err()
		},
	)
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (n int64, err error) {
	err = c.retry(
		ctx, func(ctx context.Context) (e error) {
			n, e = c.rdb.LLen(ctx, key).Result()
			return
		},
	)
	return
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
