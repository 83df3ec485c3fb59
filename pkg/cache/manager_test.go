package cache_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/cache/mem_cache"
	"github.com/pmkol/swproxy/pkg/message"
)

func newManager(t *testing.T, b cache.Backend) *cache.Manager {
	t.Helper()
	m, err := cache.NewManager(cache.ManagerOpts{Backend: b, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	return m
}

func TestNamespaceName(t *testing.T) {
	assert.Equal(t, "v2-static", cache.NamespaceName("", "v2", cache.Static))
	assert.Equal(t, "dynamic", cache.NamespaceName("", "", cache.Dynamic))
	assert.Equal(t, "credexa-v1-dynamic", cache.NamespaceName("credexa", "v1", cache.Dynamic))
}

func TestManager_putMatch(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, mem_cache.NewMemCache(64, 0, -1))

	h, err := m.Open(ctx, cache.NewNamespace("", "v1", cache.Static))
	require.NoError(t, err)
	assert.Equal(t, "v1-static", h.Name())

	_, ok := m.Match(ctx, h, "GET /")
	assert.False(t, ok)

	resp := &message.Response{Status: 200, Header: http.Header{"Content-Type": {"text/html"}}, Body: []byte("one")}
	require.NoError(t, m.Put(ctx, h, "GET /", resp))
	// The stored copy is a snapshot; the caller's response is untouched and
	// may be changed freely afterwards.
	resp.Body[0] = 'X'

	e, ok := m.Match(ctx, h, "GET /")
	require.True(t, ok)
	assert.Equal(t, "one", string(e.Body))
	assert.WithinDuration(t, time.Now(), e.StoredAt, time.Second)

	require.NoError(t, m.Put(ctx, h, "GET /", &message.Response{Status: 200, Body: []byte("two")}))
	e, _ = m.Match(ctx, h, "GET /")
	assert.Equal(t, "two", string(e.Body))

	r := cache.ToResponse(e)
	assert.Equal(t, message.SourceCache, r.Source)
	assert.Equal(t, e.StoredAt, r.StoredAt)
}

func TestManager_matchAny(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, mem_cache.NewMemCache(64, 0, -1))
	static, _ := m.Open(ctx, cache.NewNamespace("", "v1", cache.Static))
	dynamic, _ := m.Open(ctx, cache.NewNamespace("", "", cache.Dynamic))

	require.NoError(t, m.Put(ctx, dynamic, "k", &message.Response{Status: 200, Body: []byte("d")}))
	e, h, ok := m.MatchAny(ctx, "k", static, nil, dynamic)
	require.True(t, ok)
	assert.Equal(t, "dynamic", h.Name())
	assert.Equal(t, "d", string(e.Body))
}

func TestManager_prune(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, mem_cache.NewMemCache(64, 0, -1))
	for _, ns := range []cache.Namespace{
		cache.NewNamespace("", "v1", cache.Static),
		cache.NewNamespace("", "v2", cache.Static),
		cache.NewNamespace("", "", cache.Dynamic),
	} {
		_, err := m.Open(ctx, ns)
		require.NoError(t, err)
	}

	deleted, err := m.Prune(ctx, map[string]struct{}{"v2-static": {}, "dynamic": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1-static"}, deleted)

	names, err := m.Namespaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v2-static", "dynamic"}, names)
}

type failingDelete struct {
	cache.Backend
}

func (f failingDelete) DeleteNamespace(_ context.Context, name string) (bool, error) {
	if name == "broken" {
		return false, errors.New("io error")
	}
	return f.Backend.DeleteNamespace(context.Background(), name)
}

func TestManager_pruneBestEffort(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, failingDelete{mem_cache.NewMemCache(64, 0, -1)})
	for _, name := range []string{"broken", "old", "keep"} {
		_, err := m.Open(ctx, cache.Namespace{Name: name})
		require.NoError(t, err)
	}

	deleted, err := m.Prune(ctx, map[string]struct{}{"keep": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, deleted)
}

func TestCodec(t *testing.T) {
	in := &cache.Entry{
		Status:   201,
		Header:   http.Header{"X-A": {"1", "2"}},
		Body:     []byte(`{"id":1}`),
		StoredAt: time.Unix(0, 1700000000123456789),
	}
	b, err := cache.MarshalEntry(in)
	require.NoError(t, err)
	out, err := cache.UnmarshalEntry("k", b)
	require.NoError(t, err)
	assert.Equal(t, "k", out.Key)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Header, out.Header)
	assert.Equal(t, in.Body, out.Body)
	assert.True(t, in.StoredAt.Equal(out.StoredAt))

	_, err = cache.UnmarshalEntry("k", []byte("not snappy"))
	assert.Error(t, err)
}
