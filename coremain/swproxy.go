package coremain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/mlog"
	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/cache/mem_cache"
	"github.com/pmkol/swproxy/pkg/cache/redis_cache"
	"github.com/pmkol/swproxy/pkg/cache/sqlite_cache"
	"github.com/pmkol/swproxy/pkg/classify"
	"github.com/pmkol/swproxy/pkg/lifecycle"
	"github.com/pmkol/swproxy/pkg/offline_queue"
	"github.com/pmkol/swproxy/pkg/safe_close"
	"github.com/pmkol/swproxy/pkg/server/http_handler"
	"github.com/pmkol/swproxy/pkg/sqlitedb"
	"github.com/pmkol/swproxy/pkg/strategy"
	"github.com/pmkol/swproxy/pkg/upstream"
	"github.com/pmkol/swproxy/pkg/worker"
)

const upgradeTimeout = 5 * time.Minute

var running atomic.Pointer[Swproxy]

// runningInstance returns the instance started by RunSwproxy, or nil.
func runningInstance() *Swproxy {
	return running.Load()
}

type Swproxy struct {
	cfg    *Config
	logger *zap.Logger

	db      *sql.DB
	cache   *cache.Manager
	fetcher *upstream.HTTPFetcher
	queue   *offline_queue.Queue
	runtime *worker.Runtime

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

func RunSwproxy(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	cfg.init()

	m := &Swproxy{
		cfg:        cfg,
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	running.Store(m)
	defer running.CompareAndSwap(m, nil)
	defer m.closeResources()

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := m.initRuntime(); err != nil {
		return err
	}

	manifest, err := lifecycle.LoadManifest(cfg.Lifecycle.Manifest)
	if err != nil {
		return fmt.Errorf("failed to load manifest, %w", err)
	}
	upgradeCtx, cancel := context.WithTimeout(m.sc.Context(), upgradeTimeout)
	err = m.runtime.Upgrade(upgradeCtx, manifest)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to upgrade to generation %s, %w", manifest.Version, err)
	}

	if err := http_handler.RegisterAPI(m.httpAPIMux, http_handler.APIOpts{
		Host: m.runtime,
		LoadManifest: func() (*lifecycle.Manifest, error) {
			return lifecycle.LoadManifest(cfg.Lifecycle.Manifest)
		},
		LifecycleTimeout: upgradeTimeout,
		Logger:           lg.Named("api"),
	}); err != nil {
		return err
	}

	if cfg.Lifecycle.Watch {
		m.startManifestWatcher(manifest.Version)
	}
	if err := m.startSyncTriggers(); err != nil {
		return fmt.Errorf("failed to start sync triggers, %w", err)
	}

	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}
	for i := range cfg.Servers {
		if err := m.startServers(&cfg.Servers[i]); err != nil {
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	// Start http api server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigC)
		select {
		case sig := <-sigC:
			m.logger.Info("exiting", zap.Stringer("signal", sig))
			m.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

// initRuntime builds the collaborators of the worker Scope.
func (m *Swproxy) initRuntime() error {
	cfg := m.cfg
	reg := m.GetMetricsReg()

	backend, err := m.newCacheBackend()
	if err != nil {
		return fmt.Errorf("failed to init cache backend, %w", err)
	}
	m.cache, err = cache.NewManager(cache.ManagerOpts{
		Backend:    backend,
		Logger:     m.logger.Named("cache"),
		Registerer: reg,
	})
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to init cache manager, %w", err)
	}

	m.fetcher, err = upstream.NewHTTPFetcher(upstream.Opts{
		Origin:             cfg.Upstream.Origin,
		Timeout:            time.Duration(cfg.Upstream.Timeout) * time.Second,
		MaxBodySize:        cfg.Upstream.MaxBodySize,
		HTTP3:              cfg.Upstream.HTTP3,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify,
	})
	if err != nil {
		return fmt.Errorf("failed to init upstream, %w", err)
	}

	classifier, err := classify.NewClassifier(classify.Opts{
		StaticExtensions: cfg.Classifier.StaticExtensions,
		APIPrefix:        cfg.Classifier.APIPrefix,
		APIPatterns:      cfg.Classifier.APIPatterns,
		ExternalHosts:    cfg.Classifier.ExternalHosts,
		ExprRules:        cfg.Classifier.Rules,
		Logger:           m.logger.Named("classifier"),
	})
	if err != nil {
		return fmt.Errorf("failed to init classifier, %w", err)
	}

	store, err := m.newQueueStore()
	if err != nil {
		return fmt.Errorf("failed to init queue store, %w", err)
	}
	queueLogger := m.logger.Named("queue")
	m.queue, err = offline_queue.NewQueue(offline_queue.Opts{
		Store:      store,
		Fetcher:    m.fetcher,
		MaxRetries: cfg.Queue.MaxRetries,
		Reporter: offline_queue.ReporterFunc(func(_ context.Context, kind offline_queue.ReportKind, pm *offline_queue.PendingMutation, err error) {
			queueLogger.Warn("mutation abandoned",
				zap.String("kind", string(kind)),
				zap.String("id", pm.ID),
				zap.String("method", pm.Method),
				zap.String("url", pm.URL),
				zap.Int("retry_count", pm.RetryCount),
				zap.Error(err))
		}),
		Logger:     queueLogger,
		Registerer: reg,
	})
	if err != nil {
		return fmt.Errorf("failed to init offline queue, %w", err)
	}

	sm, err := strategy.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to register strategy metrics, %w", err)
	}

	var origin *url.URL
	if cfg.Upstream.Origin != "" {
		if origin, err = url.Parse(cfg.Upstream.Origin); err != nil {
			return fmt.Errorf("invalid origin, %w", err)
		}
	}

	m.runtime, err = worker.NewRuntime(m.sc.Context(), &worker.Scope{
		Cache:               m.cache,
		Queue:               m.queue,
		Fetcher:             m.fetcher,
		Classifier:          classifier,
		Origin:              origin,
		NamespacePrefix:     cfg.Cache.NamespacePrefix,
		StrategyMetrics:     sm,
		RevalidateTimeout:   time.Duration(cfg.Strategy.RevalidateTimeout) * time.Second,
		PrecacheConcurrency: cfg.Cache.PrecacheConcurrency,
		RefreshURLs:         cfg.Sync.RefreshURLs,
		BaseContext:         m.sc.Context(),
		Logger:              m.logger.Named("worker"),
	}, worker.RuntimeOpts{
		StateStore:  lifecycle.NewFileStateStore(cfg.Lifecycle.StateFile),
		SkipWaiting: cfg.Lifecycle.SkipWaiting,
	})
	if err != nil {
		return fmt.Errorf("failed to init worker runtime, %w", err)
	}
	return nil
}

func (m *Swproxy) sqliteDB() (*sql.DB, error) {
	if m.db != nil {
		return m.db, nil
	}
	db, err := sqlitedb.Open(m.cfg.Cache.SQLite)
	if err != nil {
		return nil, err
	}
	m.db = db
	return db, nil
}

func (m *Swproxy) newCacheBackend() (cache.Backend, error) {
	cc := m.cfg.Cache
	switch cc.Backend {
	case "", "sqlite":
		db, err := m.sqliteDB()
		if err != nil {
			return nil, err
		}
		return sqlite_cache.NewSQLiteCache(m.sc.Context(), sqlite_cache.Opts{DB: db})
	case "memory":
		return mem_cache.NewMemCache(cc.Size, time.Duration(cc.MaxAge)*time.Second, time.Duration(cc.CleanerInterval)*time.Second), nil
	case "redis":
		opt, err := redis.ParseURL(cc.Redis)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		return redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: time.Duration(cc.RedisTimeout) * time.Millisecond,
			KeyPrefix:     cc.RedisKeyPrefix,
			Logger:        m.logger.Named("redis_cache"),
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cc.Backend)
	}
}

func (m *Swproxy) newQueueStore() (offline_queue.Store, error) {
	switch m.cfg.Queue.Store {
	case "", "sqlite":
		db, err := m.sqliteDB()
		if err != nil {
			return nil, err
		}
		return offline_queue.NewSQLiteStore(m.sc.Context(), db)
	case "memory":
		return offline_queue.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown queue store %q", m.cfg.Queue.Store)
	}
}

func (m *Swproxy) startManifestWatcher(current string) {
	w := &lifecycle.ManifestWatcher{
		Path:   m.cfg.Lifecycle.Manifest,
		Logger: m.logger.Named("manifest"),
		OnChange: func(ctx context.Context, nm *lifecycle.Manifest) {
			ctx, cancel := context.WithTimeout(ctx, upgradeTimeout)
			defer cancel()
			if err := m.runtime.Install(ctx, nm); err != nil {
				m.logger.Error("failed to install generation", zap.String("version", nm.Version), zap.Error(err))
			}
		},
	}
	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		if err := w.Run(m.sc.Context(), current); err != nil {
			m.logger.Error("manifest watcher exited", zap.Error(err))
		}
	})
}

func (m *Swproxy) closeResources() {
	var closers []io.Closer
	if m.fetcher != nil {
		closers = append(closers, m.fetcher)
	}
	if m.cache != nil {
		closers = append(closers, m.cache)
	}
	if m.db != nil {
		closers = append(closers, m.db)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			m.logger.Warn("failed to close resource", zap.Error(err))
		}
	}
}

func (m *Swproxy) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *Swproxy) GetRuntime() *worker.Runtime {
	return m.runtime
}

func (m *Swproxy) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("swproxy_", m.metricsReg)
}

func (m *Swproxy) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
