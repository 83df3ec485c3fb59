// Package strategy implements the three caching strategies used to answer
// an intercepted request: cache-first, network-first and
// stale-while-revalidate. Every strategy always returns a response.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/classify"
	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/upstream"
)

const (
	defaultRevalidateTimeout = time.Second * 10
	defaultWriteTimeout      = time.Second * 5
)

const (
	nameCacheFirst   = "cache_first"
	nameNetworkFirst = "network_first"
	nameSWR          = "stale_while_revalidate"
	namePassThrough  = "pass_through"
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Cache, Fetcher, Static and Dynamic cannot be nil.
	Cache   *cache.Manager
	Fetcher upstream.Fetcher
	Static  *cache.Handle
	Dynamic *cache.Handle

	// BaseContext is the parent of background revalidations. It should be
	// canceled on shutdown. Default is context.Background().
	BaseContext context.Context

	// RevalidateTimeout bounds one background revalidation. Default is 10s.
	RevalidateTimeout time.Duration

	// WriteTimeout bounds one cache write. Default is 5s.
	WriteTimeout time.Duration

	// Metrics is optional.
	Metrics *Metrics

	// Logger is optional.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	switch {
	case opts.Cache == nil:
		return errors.New("nil cache manager")
	case opts.Fetcher == nil:
		return errors.New("nil fetcher")
	case opts.Static == nil || opts.Dynamic == nil:
		return errors.New("nil namespace handle")
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = defaultRevalidateTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = newMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Executor answers requests of one worker generation.
type Executor struct {
	opts  Opts
	group *revalidateGroup
}

func NewExecutor(opts Opts) (*Executor, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Executor{opts: opts, group: newRevalidateGroup()}, nil
}

// Execute dispatches r to the strategy of its class.
func (e *Executor) Execute(ctx context.Context, r *message.Request, class classify.Class) *message.Response {
	switch class {
	case classify.Static:
		return e.CacheFirst(ctx, r)
	case classify.API, classify.Unclassified:
		return e.NetworkFirst(ctx, r, class)
	case classify.External:
		resp, _ := e.StaleWhileRevalidate(ctx, r)
		return resp
	default:
		return e.PassThrough(ctx, r)
	}
}

// CacheFirst serves a hit without touching the network. A miss is fetched
// and, if ok, stored in the static namespace.
func (e *Executor) CacheFirst(ctx context.Context, r *message.Request) *message.Response {
	key := r.Key()
	if ent, _, ok := e.match(ctx, key); ok {
		return e.done(nameCacheFirst, cache.ToResponse(ent))
	}

	resp, err := e.opts.Fetcher.Fetch(ctx, r)
	if err != nil {
		return e.done(nameCacheFirst, e.fetchFailed(r, err, false))
	}
	if resp.OK() {
		e.put(ctx, e.opts.Static, key, resp)
	}
	return e.done(nameCacheFirst, resp)
}

// NetworkFirst fetches r and stores ok responses in the dynamic namespace.
// On a network failure the latest cached copy is served, without any
// staleness check. Without a copy, API requests get the offline json body
// and everything else the offline text.
func (e *Executor) NetworkFirst(ctx context.Context, r *message.Request, class classify.Class) *message.Response {
	key := r.Key()
	resp, err := e.opts.Fetcher.Fetch(ctx, r)
	if err == nil {
		if resp.OK() {
			e.put(ctx, e.opts.Dynamic, key, resp)
		}
		return e.done(nameNetworkFirst, resp)
	}
	if !upstream.IsNetworkUnavailable(err) {
		return e.done(nameNetworkFirst, e.fetchFailed(r, err, class == classify.API))
	}

	e.opts.Logger.Debug("network failed, trying cache", zap.String("key", key), zap.Error(err))
	// The request context may be the reason of the failure.
	if ent, _, ok := e.match(context.WithoutCancel(ctx), key); ok {
		return e.done(nameNetworkFirst, cache.ToResponse(ent))
	}
	return e.done(nameNetworkFirst, e.fetchFailed(r, err, class == classify.API))
}

// StaleWhileRevalidate serves a hit immediately and refreshes the entry in
// the background. The returned Revalidation is nil on a miss. Concurrent
// revalidations of the same key share one fetch.
func (e *Executor) StaleWhileRevalidate(ctx context.Context, r *message.Request) (*message.Response, *Revalidation) {
	key := r.Key()
	if ent, _, ok := e.match(ctx, key); ok {
		return e.done(nameSWR, cache.ToResponse(ent)), e.revalidate(key, r.Clone())
	}

	resp, err := e.opts.Fetcher.Fetch(ctx, r)
	if err != nil {
		return e.done(nameSWR, e.fetchFailed(r, err, false)), nil
	}
	if resp.OK() {
		e.put(ctx, e.opts.Dynamic, key, resp)
	}
	return e.done(nameSWR, resp), nil
}

// PassThrough fetches r without reading or writing the cache.
func (e *Executor) PassThrough(ctx context.Context, r *message.Request) *message.Response {
	resp, err := e.opts.Fetcher.Fetch(ctx, r)
	if err != nil {
		return e.done(namePassThrough, e.fetchFailed(r, err, false))
	}
	return e.done(namePassThrough, resp)
}

func (e *Executor) revalidate(key string, r *message.Request) *Revalidation {
	return e.group.do(key, func() error {
		ctx, cancel := context.WithTimeout(e.opts.BaseContext, e.opts.RevalidateTimeout)
		defer cancel()

		resp, err := e.opts.Fetcher.Fetch(ctx, r)
		if err != nil {
			e.opts.Metrics.revalidations.WithLabelValues("failed").Inc()
			e.opts.Logger.Warn("revalidation failed", zap.String("key", key), zap.Error(err))
			return err
		}
		if !resp.OK() {
			e.opts.Metrics.revalidations.WithLabelValues("not_ok").Inc()
			return fmt.Errorf("revalidation of %s got status %d", key, resp.Status)
		}
		if err := e.store(ctx, e.opts.Dynamic, key, resp); err != nil {
			e.opts.Metrics.revalidations.WithLabelValues("failed").Inc()
			return err
		}
		e.opts.Metrics.revalidations.WithLabelValues("updated").Inc()
		return nil
	})
}

// match looks the key up in every namespace of this generation,
// static first.
func (e *Executor) match(ctx context.Context, key string) (*cache.Entry, *cache.Handle, bool) {
	return e.opts.Cache.MatchAny(ctx, key, e.opts.Static, e.opts.Dynamic)
}

// put stores resp on a context detached from the request. Failures are
// logged and never change the response.
func (e *Executor) put(ctx context.Context, h *cache.Handle, key string, resp *message.Response) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.WriteTimeout)
	defer cancel()
	_ = e.store(ctx, h, key, resp)
}

func (e *Executor) store(ctx context.Context, h *cache.Handle, key string, resp *message.Response) error {
	if err := e.opts.Cache.Put(ctx, h, key, resp); err != nil {
		e.opts.Metrics.writeFailures.Inc()
		e.opts.Logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// fetchFailed answers a failed fetch that has no cached fallback. Every
// failure reads as offline to the caller.
func (e *Executor) fetchFailed(r *message.Request, err error, api bool) *message.Response {
	if !upstream.IsNetworkUnavailable(err) {
		e.opts.Logger.Warn("fetch failed", zap.String("method", r.Method), zap.Stringer("url", r.URL), zap.Error(err))
	}
	if api {
		return message.OfflineAPI()
	}
	return message.OfflineText()
}

func (e *Executor) done(strategy string, resp *message.Response) *message.Response {
	e.opts.Metrics.responses.WithLabelValues(strategy, resp.Source.String()).Inc()
	return resp
}
