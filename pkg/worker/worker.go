// Package worker hosts the request interception handlers. A Worker serves
// one deployed generation; the Runtime decides which Worker is in control.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/classify"
	"github.com/pmkol/swproxy/pkg/lifecycle"
	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/strategy"
	"github.com/pmkol/swproxy/pkg/upstream"
)

// Sync tags.
const (
	TagBackgroundSync = "background-sync"
	TagContentSync    = "content-sync"
)

var (
	ErrUnknownSyncTag  = errors.New("unknown sync tag")
	ErrNoWaitingWorker = lifecycle.ErrNoWaitingGeneration
)

// Handler receives the events of the host process.
type Handler interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnIntercept(ctx context.Context, r *message.Request) *message.Response
	OnSyncTrigger(ctx context.Context, tag string) error
	OnMessage(ctx context.Context, msg Message) (Reply, error)
}

var (
	_ Handler              = (*Worker)(nil)
	_ lifecycle.Generation = (*Worker)(nil)
)

// Worker serves one generation.
type Worker struct {
	scope    *Scope
	manifest *lifecycle.Manifest
	static   *cache.Handle
	dynamic  *cache.Handle
	exec     *strategy.Executor
	logger   *zap.Logger

	skipWaiting func(ctx context.Context) error
}

// NewWorker opens the namespaces of generation m.
func NewWorker(ctx context.Context, scope *Scope, m *lifecycle.Manifest) (*Worker, error) {
	if err := scope.Init(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	static, err := scope.Cache.Open(ctx, cache.NewNamespace(scope.NamespacePrefix, m.Version, cache.Static))
	if err != nil {
		return nil, err
	}
	dynamic, err := scope.Cache.Open(ctx, cache.NewNamespace(scope.NamespacePrefix, "", cache.Dynamic))
	if err != nil {
		return nil, err
	}
	logger := scope.Logger.With(zap.String("generation", m.Version))
	exec, err := strategy.NewExecutor(strategy.Opts{
		Cache:             scope.Cache,
		Fetcher:           scope.Fetcher,
		Static:            static,
		Dynamic:           dynamic,
		BaseContext:       scope.BaseContext,
		RevalidateTimeout: scope.RevalidateTimeout,
		Metrics:           scope.StrategyMetrics,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	return &Worker{
		scope:    scope,
		manifest: m,
		static:   static,
		dynamic:  dynamic,
		exec:     exec,
		logger:   logger,
	}, nil
}

func (w *Worker) Version() string { return w.manifest.Version }

func (w *Worker) Retained() []string {
	return lifecycle.RetainedNamespaces(w.scope.NamespacePrefix, w.manifest.Version)
}

// OnInstall precaches the manifest assets into the static namespace.
func (w *Worker) OnInstall(ctx context.Context) error {
	assets := make([]string, 0, len(w.manifest.Assets))
	for _, a := range w.manifest.Assets {
		u, err := url.Parse(a)
		if err != nil {
			return fmt.Errorf("invalid asset %s, %w", a, err)
		}
		assets = append(assets, w.scope.resolve(u).String())
	}
	return lifecycle.Precache(ctx, w.scope.Cache, w.scope.Fetcher, w.static, assets, w.scope.PrecacheConcurrency)
}

// OnActivate deletes the namespaces of every other generation.
func (w *Worker) OnActivate(ctx context.Context) error {
	deleted, err := lifecycle.Prune(ctx, w.scope.Cache, w.scope.NamespacePrefix, w.manifest.Version)
	if len(deleted) > 0 {
		w.logger.Info("stale namespaces deleted", zap.Strings("namespaces", deleted))
	}
	return err
}

// OnIntercept answers r. It never fails: network and storage errors become
// cached or synthesized responses.
func (w *Worker) OnIntercept(ctx context.Context, r *message.Request) *message.Response {
	r.URL = w.scope.resolve(r.URL)
	class := w.scope.Classifier.Classify(r)
	if class != classify.NonCacheable {
		return w.exec.Execute(ctx, r, class)
	}
	return w.mutate(ctx, r)
}

func isQueueable(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type queuedBody struct {
	Queued  bool   `json:"queued"`
	Offline bool   `json:"offline"`
	ID      string `json:"id"`
}

func (w *Worker) mutate(ctx context.Context, r *message.Request) *message.Response {
	resp, err := w.scope.Fetcher.Fetch(ctx, r)
	if err == nil {
		return resp
	}
	if !upstream.IsNetworkUnavailable(err) {
		// Includes responses cut off after the server answered. They are
		// never queued.
		w.logger.Warn("fetch failed", zap.String("method", r.Method), zap.Stringer("url", r.URL), zap.Error(err))
		return message.Synthesized(http.StatusBadGateway, "text/plain; charset=utf-8", []byte(http.StatusText(http.StatusBadGateway)))
	}
	if !isQueueable(r.Method) {
		return message.OfflineText()
	}
	// The caller is gone and the server may have the request already.
	if errors.Is(ctx.Err(), context.Canceled) {
		w.logger.Debug("mutation canceled by caller, not queued", zap.String("method", r.Method), zap.Stringer("url", r.URL))
		return message.OfflineText()
	}

	m, qerr := w.scope.Queue.Enqueue(context.WithoutCancel(ctx), r)
	if qerr != nil {
		w.logger.Error("failed to queue mutation", zap.Error(qerr))
		return message.OfflineText()
	}
	b, _ := json.Marshal(queuedBody{Queued: true, Offline: true, ID: m.ID})
	return message.Synthesized(http.StatusAccepted, "application/json", b)
}

// OnSyncTrigger replays the offline queue. A content-sync also refreshes
// the configured urls.
func (w *Worker) OnSyncTrigger(ctx context.Context, tag string) error {
	switch tag {
	case TagBackgroundSync:
		return w.drain(ctx)
	case TagContentSync:
		if err := w.drain(ctx); err != nil {
			return err
		}
		w.refresh(ctx)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}
}

func (w *Worker) drain(ctx context.Context) error {
	res, err := w.scope.Queue.Drain(ctx)
	if err != nil {
		return err
	}
	if res.Coalesced {
		w.logger.Debug("drain already in progress")
	}
	return nil
}

func (w *Worker) refresh(ctx context.Context) {
	for _, raw := range w.scope.RefreshURLs {
		r, err := message.NewRequest(http.MethodGet, raw, nil, nil)
		if err != nil {
			w.logger.Warn("invalid refresh url", zap.String("url", raw), zap.Error(err))
			continue
		}
		r.URL = w.scope.resolve(r.URL)
		resp := w.exec.NetworkFirst(ctx, r, w.scope.Classifier.Classify(r))
		if resp.Source != message.SourceNetwork {
			w.logger.Debug("refresh skipped", zap.String("url", raw), zap.Stringer("source", resp.Source))
		}
	}
}

// OnMessage answers a control channel command.
func (w *Worker) OnMessage(ctx context.Context, msg Message) (Reply, error) {
	reply := Reply{Type: msg.Type}
	switch msg.Type {
	case MsgGetVersion:
		reply.OK = true
		reply.Version = w.Version()
	case MsgSkipWaiting:
		if w.skipWaiting == nil {
			return reply, ErrNoWaitingWorker
		}
		if err := w.skipWaiting(ctx); err != nil {
			return reply, err
		}
		reply.OK = true
	case MsgCacheAPIResponse:
		if err := w.cacheAPIResponse(ctx, msg); err != nil {
			return reply, err
		}
		reply.OK = true
	default:
		return reply, fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
	return reply, nil
}

// cacheAPIResponse stores a response the application fetched itself,
// bypassing the strategies.
func (w *Worker) cacheAPIResponse(ctx context.Context, msg Message) error {
	if msg.Request == nil || msg.Response == nil {
		return fmt.Errorf("%w: request and response are required", ErrBadMessage)
	}
	method := msg.Request.Method
	if method == "" {
		method = http.MethodGet
	}
	r, err := message.NewRequest(method, msg.Request.URL, msg.Request.Headers, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	r.URL = w.scope.resolve(r.URL)
	status := msg.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	resp := &message.Response{
		Status: status,
		Header: msg.Response.Headers.Clone(),
		Body:   []byte(msg.Response.Body),
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return w.scope.Cache.Put(context.WithoutCancel(ctx), w.dynamic, r.Key(), resp)
}
