package coremain

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/lifecycle"
	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/safe_close"
)

const mainConfig = `
log:
  level: debug
include:
  - {{dir}}/sub.yaml
cache:
  backend: memory
  size: 1024
upstream:
  origin: https://pricing.example
  timeout: "15"
classifier:
  rules:
    - name: reports
      expr: 'path =~ "^/reports/"'
      class: api
queue:
  max_retries: 5
lifecycle:
  manifest: manifest.yaml
  skip_waiting: true
sync:
  background_sync: "@every 1m"
  refresh_urls:
    - /api/dashboard/stats
servers:
  - listeners:
      - protocol: http
        addr: 127.0.0.1:8080
        proxy_protocol: true
api:
  http: 127.0.0.1:9090
`

const subConfig = `
classifier:
  rules:
    - name: fonts
      expr: 'host == "fonts.gstatic.com"'
      class: external
servers:
  - listeners:
      - protocol: h3
        addr: 127.0.0.1:8443
        cert: cert.pem
        key: key.pem
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, strings.ReplaceAll(mainConfig, "{{dir}}", dir))
	writeFile(t, filepath.Join(dir, "sub.yaml"), subConfig)

	cfg, used, err := loadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfgPath, used)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 1024, cfg.Cache.Size)
	assert.Equal(t, 15, cfg.Upstream.Timeout)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.True(t, cfg.Lifecycle.SkipWaiting)
	assert.Equal(t, []string{"/api/dashboard/stats"}, cfg.Sync.RefreshURLs)
	require.Len(t, cfg.Servers, 1)
	assert.True(t, cfg.Servers[0].Listeners[0].ProxyProtocol)

	require.NoError(t, mergeInclude(cfg, 0, []string{used}))
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "h3", cfg.Servers[0].Listeners[0].Protocol)
	assert.Equal(t, "http", cfg.Servers[1].Listeners[0].Protocol)
	require.Len(t, cfg.Classifier.Rules, 2)
	assert.Equal(t, "fonts", cfg.Classifier.Rules[0].Name)
	assert.Equal(t, "reports", cfg.Classifier.Rules[1].Name)

	cfg.init()
	assert.Equal(t, 60, cfg.Cache.CleanerInterval)
	assert.Equal(t, 10, cfg.Strategy.RevalidateTimeout)
	assert.Equal(t, "swproxy_state.yaml", cfg.Lifecycle.StateFile)
	assert.Equal(t, "swproxy.db", cfg.Cache.SQLite)
}

func TestLoadConfig_unknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "cache:\n  backend: memory\n  sizee: 10\n")
	_, _, err := loadConfig(path)
	assert.Error(t, err)
}

func TestMergeInclude_depth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.yaml")
	writeFile(t, path, "include:\n  - "+path+"\n")
	cfg, _, err := loadConfig(path)
	require.NoError(t, err)
	err = mergeInclude(cfg, 0, []string{path})
	assert.ErrorContains(t, err, "maximum include depth")
}

func newTestSwproxy(t *testing.T, cfg *Config) *Swproxy {
	t.Helper()
	cfg.init()
	m := &Swproxy{
		cfg:        cfg,
		logger:     zap.NewNop(),
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	t.Cleanup(func() {
		m.sc.SendCloseSignal(nil)
		m.closeResources()
	})
	return m
}

func TestSwproxy_newCacheBackend(t *testing.T) {
	dir := t.TempDir()
	m := newTestSwproxy(t, &Config{Cache: CacheConfig{Backend: "sqlite", SQLite: filepath.Join(dir, "swproxy.db")}})
	b, err := m.newCacheBackend()
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// The queue store shares the database.
	db := m.db
	_, err = m.newQueueStore()
	require.NoError(t, err)
	assert.Same(t, db, m.db)

	m.cfg.Queue.Store = "memory"
	_, err = m.newQueueStore()
	require.NoError(t, err)
	m.cfg.Queue.Store = "kafka"
	_, err = m.newQueueStore()
	assert.ErrorContains(t, err, "unknown queue store")

	m.cfg.Cache.Backend = "disk"
	_, err = m.newCacheBackend()
	assert.ErrorContains(t, err, "unknown cache backend")

	m.cfg.Cache.Backend = "redis"
	m.cfg.Cache.Redis = "mysql://127.0.0.1"
	_, err = m.newCacheBackend()
	assert.ErrorContains(t, err, "invalid redis url")
}

func TestSwproxy_runtime(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "origin:"+r.URL.Path)
	}))
	defer origin.Close()

	dir := t.TempDir()
	m := newTestSwproxy(t, &Config{
		Cache:     CacheConfig{Backend: "memory"},
		Queue:     QueueConfig{Store: "memory"},
		Upstream:  UpstreamConfig{Origin: origin.URL},
		Lifecycle: LifecycleConfig{StateFile: filepath.Join(dir, "state.yaml")},
		Sync:      SyncConfig{BackgroundSync: "@every 1h"},
	})
	require.NoError(t, m.initRuntime())

	ctx := context.Background()
	require.NoError(t, m.runtime.Upgrade(ctx, &lifecycle.Manifest{Version: "v1", Assets: []string{"/app.js"}}))
	assert.Equal(t, "v1", m.runtime.Version())

	r, err := message.NewRequest(http.MethodGet, "/app.js", nil, nil)
	require.NoError(t, err)
	resp := m.runtime.Intercept(ctx, r)
	assert.Equal(t, message.SourceCache, resp.Source)
	assert.Equal(t, "origin:/app.js", string(resp.Body))

	m.triggerSync("background-sync")
	require.NoError(t, m.startSyncTriggers())

	mfs, err := m.metricsReg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "swproxy_strategy_responses_total")
}

func TestSwproxy_invalidSchedule(t *testing.T) {
	m := newTestSwproxy(t, &Config{Sync: SyncConfig{ContentSync: "every monday"}})
	assert.Error(t, m.startSyncTriggers())
}
