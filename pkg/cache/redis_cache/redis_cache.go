/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/cache"
)

var nopLogger = zap.NewNop()

var _ cache.Backend = (*RedisCache)(nil)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// KeyPrefix is prepended to every redis key. Default is "swproxy:".
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "swproxy:"
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache keeps one hash per namespace and a set of namespace names.
// Entry reads and writes are best-effort: after a failure the client is
// disabled until a background ping succeeds, reads become misses and writes
// are dropped. Namespace operations always hit redis and report errors.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts: opts,
	}, nil
}

func (r *RedisCache) nsSetKey() string {
	return r.opts.KeyPrefix + "namespaces"
}

func (r *RedisCache) nsKey(name string) string {
	return r.opts.KeyPrefix + "ns:" + name
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func (r *RedisCache) Namespaces(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	names, err := r.opts.Client.SMembers(ctx, r.nsSetKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisCache) CreateNamespace(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	return r.opts.Client.SAdd(ctx, r.nsSetKey(), name).Err()
}

// DeleteNamespace removes the hash and the set member in one MULTI/EXEC.
func (r *RedisCache) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	var srem *redis.IntCmd
	_, err := r.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.nsKey(name))
		srem = p.SRem(ctx, r.nsSetKey(), name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return srem.Val() > 0, nil
}

func (r *RedisCache) Get(ctx context.Context, namespace, key string) (*cache.Entry, error) {
	if r.disabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.HGet(ctx, r.nsKey(namespace), key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return nil, nil
	}

	e, err := cache.UnmarshalEntry(key, b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.Error(err))
		return nil, nil
	}
	return e, nil
}

// Store checks namespace membership and then writes the entry with a single
// HSET.
func (r *RedisCache) Store(ctx context.Context, namespace string, e *cache.Entry) error {
	if r.disabled() {
		return nil
	}

	data, err := cache.MarshalEntry(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()

	ok, err := r.opts.Client.SIsMember(ctx, r.nsSetKey(), namespace).Result()
	if err != nil {
		r.opts.Logger.Warn("redis sismember", zap.Error(err))
		r.disableClient()
		return err
	}
	if !ok {
		return cache.ErrNamespaceNotFound
	}
	if err := r.opts.Client.HSet(ctx, r.nsKey(namespace), e.Key, data).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
		return err
	}
	return nil
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	names, err := r.opts.Client.SMembers(ctx, r.nsSetKey()).Result()
	if err != nil {
		r.opts.Logger.Error("smembers", zap.Error(err))
		return 0
	}
	n := 0
	for _, name := range names {
		l, err := r.opts.Client.HLen(ctx, r.nsKey(name)).Result()
		if err != nil {
			r.opts.Logger.Error("hlen", zap.Error(err))
			return 0
		}
		n += int(l)
	}
	return n
}
