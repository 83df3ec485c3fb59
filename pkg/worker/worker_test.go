package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/cache/mem_cache"
	"github.com/pmkol/swproxy/pkg/classify"
	"github.com/pmkol/swproxy/pkg/lifecycle"
	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/offline_queue"
	"github.com/pmkol/swproxy/pkg/upstream"
)

type network struct {
	mu      sync.Mutex
	offline bool
	hang    bool
	cut     bool
	bodies  map[string]string
	sent    []string
	entered chan struct{}
}

func (n *network) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *network) setBody(path, body string) {
	n.mu.Lock()
	n.bodies[path] = body
	n.mu.Unlock()
}

func (n *network) requests() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func (n *network) Fetch(ctx context.Context, r *message.Request) (*message.Response, error) {
	n.mu.Lock()
	if n.offline {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: no route to host", upstream.ErrNetworkUnavailable)
	}
	n.sent = append(n.sent, r.Method+" "+r.URL.String())
	if n.hang {
		n.mu.Unlock()
		close(n.entered)
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", upstream.ErrNetworkUnavailable, ctx.Err())
	}
	defer n.mu.Unlock()
	if n.cut {
		return nil, fmt.Errorf("%w, status 201: unexpected EOF", upstream.ErrResponseIncomplete)
	}
	body, ok := n.bodies[r.URL.Path]
	if !ok {
		body = "net:" + r.URL.Path
	}
	return &message.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
		Source: message.SourceNetwork,
	}, nil
}

type testHost struct {
	rt    *Runtime
	net   *network
	cm    *cache.Manager
	queue *offline_queue.Queue
	state lifecycle.StateStore
}

func newHost(t *testing.T, skipWaiting bool) *testHost {
	t.Helper()
	cm, err := cache.NewManager(cache.ManagerOpts{Backend: mem_cache.NewMemCache(128, 0, -1)})
	require.NoError(t, err)
	n := &network{bodies: map[string]string{}}
	q, err := offline_queue.NewQueue(offline_queue.Opts{Store: offline_queue.NewMemStore(), Fetcher: n})
	require.NoError(t, err)
	c, err := classify.NewClassifier(classify.Opts{})
	require.NoError(t, err)
	origin, _ := url.Parse("https://pricing.example")

	h := &testHost{net: n, cm: cm, queue: q, state: lifecycle.NewMemStateStore()}
	h.rt, err = NewRuntime(context.Background(), &Scope{
		Cache:       cm,
		Queue:       q,
		Fetcher:     n,
		Classifier:  c,
		Origin:      origin,
		RefreshURLs: []string{"/api/dashboard/stats"},
	}, RuntimeOpts{StateStore: h.state, SkipWaiting: skipWaiting})
	require.NoError(t, err)
	return h
}

func req(t *testing.T, method, u string, body []byte) *message.Request {
	t.Helper()
	r, err := message.NewRequest(method, u, nil, body)
	require.NoError(t, err)
	return r
}

func TestRuntime_passThroughBeforeClaim(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, false)
	assert.Nil(t, h.rt.Active())

	resp := h.rt.Intercept(ctx, req(t, http.MethodGet, "/index.html", nil))
	assert.Equal(t, "net:/index.html", string(resp.Body))
	names, _ := h.cm.Namespaces(ctx)
	assert.Empty(t, names, "nothing is cached without a worker")

	h.net.setOffline(true)
	resp = h.rt.Intercept(ctx, req(t, http.MethodGet, "/index.html", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	assert.ErrorIs(t, h.rt.Sync(ctx, TagBackgroundSync), ErrNoActiveWorker)
}

func TestRuntime_offlineAPIWithoutCache(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, false)
	require.NoError(t, h.rt.Upgrade(ctx, &lifecycle.Manifest{Version: "v1"}))

	h.net.setOffline(true)
	resp := h.rt.Intercept(ctx, req(t, http.MethodGet, "/api/products", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, `{"error":"Network unavailable","offline":true,"message":"Please check your internet connection"}`, string(resp.Body))
	assert.Equal(t, message.SourceOffline, resp.Source)
}

func TestRuntime_precacheServedOffline(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, false)
	require.NoError(t, h.rt.Upgrade(ctx, &lifecycle.Manifest{Version: "v1", Assets: []string{"/", "/app.js"}}))
	assert.Equal(t, "v1", h.rt.Version())

	h.net.setOffline(true)
	resp := h.rt.Intercept(ctx, req(t, http.MethodGet, "/app.js", nil))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "net:/app.js", string(resp.Body))
	assert.Equal(t, message.SourceCache, resp.Source)
}

func TestRuntime_offlineMutation(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, true)
	require.NoError(t, h.rt.Install(ctx, &lifecycle.Manifest{Version: "v1"}))
	require.NotNil(t, h.rt.Active())

	h.net.setOffline(true)
	resp := h.rt.Intercept(ctx, req(t, http.MethodPost, "/api/products", []byte(`{"name":"x"}`)))
	assert.Equal(t, http.StatusAccepted, resp.Status)
	var body struct {
		Queued  bool   `json:"queued"`
		Offline bool   `json:"offline"`
		ID      string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.True(t, body.Queued)
	assert.True(t, body.Offline)

	ms, err := h.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, body.ID, ms[0].ID)
	assert.Zero(t, ms[0].RetryCount)
	assert.Equal(t, "https://pricing.example/api/products", ms[0].URL)

	// Non mutating methods are not queued.
	resp = h.rt.Intercept(ctx, req(t, http.MethodOptions, "/api/products", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	h.net.setOffline(false)
	require.NoError(t, h.rt.Sync(ctx, TagBackgroundSync))
	n, _ := h.queue.Len(ctx)
	assert.Zero(t, n)
	assert.Equal(t, []string{"POST https://pricing.example/api/products"}, h.net.requests())

	assert.ErrorIs(t, h.rt.Sync(ctx, "periodic"), ErrUnknownSyncTag)
}

func TestRuntime_canceledMutationNotQueued(t *testing.T) {
	h := newHost(t, true)
	require.NoError(t, h.rt.Install(context.Background(), &lifecycle.Manifest{Version: "v1"}))

	h.net.mu.Lock()
	h.net.hang = true
	h.net.entered = make(chan struct{})
	h.net.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.net.entered
		cancel()
	}()
	resp := h.rt.Intercept(ctx, req(t, http.MethodPost, "/api/products", []byte(`{"name":"x"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	n, _ := h.queue.Len(context.Background())
	assert.Zero(t, n)

	h.net.mu.Lock()
	h.net.hang = false
	h.net.mu.Unlock()
	require.NoError(t, h.rt.Sync(context.Background(), TagBackgroundSync))
	assert.Len(t, h.net.requests(), 1, "nothing is replayed")
}

func TestRuntime_truncatedMutationNotQueued(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, true)
	require.NoError(t, h.rt.Install(ctx, &lifecycle.Manifest{Version: "v1"}))

	h.net.mu.Lock()
	h.net.cut = true
	h.net.mu.Unlock()
	resp := h.rt.Intercept(ctx, req(t, http.MethodPost, "/api/products", []byte(`{"name":"x"}`)))
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	n, _ := h.queue.Len(ctx)
	assert.Zero(t, n)
}

func TestRuntime_contentSync(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, true)
	require.NoError(t, h.rt.Install(ctx, &lifecycle.Manifest{Version: "v1"}))

	h.net.setBody("/api/dashboard/stats", `{"total":3}`)
	require.NoError(t, h.rt.Sync(ctx, TagContentSync))

	h.net.setOffline(true)
	resp := h.rt.Intercept(ctx, req(t, http.MethodGet, "/api/dashboard/stats", nil))
	assert.Equal(t, message.SourceCache, resp.Source)
	assert.Equal(t, `{"total":3}`, string(resp.Body))
}

func TestRuntime_messages(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, false)

	_, err := h.rt.Message(ctx, Message{Type: MsgGetVersion})
	assert.ErrorIs(t, err, ErrNoActiveWorker)

	require.NoError(t, h.rt.Upgrade(ctx, &lifecycle.Manifest{Version: "v1"}))
	reply, err := h.rt.Message(ctx, Message{Type: MsgGetVersion})
	require.NoError(t, err)
	assert.Equal(t, "v1", reply.Version)

	_, err = h.rt.Message(ctx, Message{Type: MsgSkipWaiting})
	assert.ErrorIs(t, err, ErrNoWaitingWorker)

	_, err = h.rt.Message(ctx, Message{Type: "CLAIM"})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = h.rt.Message(ctx, Message{Type: MsgCacheAPIResponse})
	assert.ErrorIs(t, err, ErrBadMessage)

	reply, err = h.rt.Message(ctx, Message{
		Type:     MsgCacheAPIResponse,
		Request:  &WireRequest{URL: "/api/roles"},
		Response: &WireResponse{Status: 200, Body: `[{"id":1}]`},
	})
	require.NoError(t, err)
	assert.True(t, reply.OK)
	h.net.setOffline(true)
	resp := h.rt.Intercept(ctx, req(t, http.MethodGet, "https://pricing.example/api/roles", nil))
	assert.Equal(t, message.SourceCache, resp.Source)
	assert.Equal(t, `[{"id":1}]`, string(resp.Body))
	h.net.setOffline(false)

	require.NoError(t, h.rt.Install(ctx, &lifecycle.Manifest{Version: "v2"}))
	assert.Equal(t, "v1", h.rt.Version(), "a new generation waits")
	reply, err = h.rt.Message(ctx, Message{Type: MsgSkipWaiting})
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, "v2", h.rt.Version())

	names, _ := h.cm.Namespaces(ctx)
	assert.ElementsMatch(t, []string{"v2-static", "dynamic"}, names)
	st := h.rt.State()
	assert.Equal(t, lifecycle.Active, st.Phase)
	assert.Equal(t, "v2", st.ActiveVersion)
}
