package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/message"
)

var nopLogger = zap.NewNop()

type ManagerOpts struct {
	// Backend cannot be nil.
	Backend Backend

	// Logger is optional. A nil Logger disables logging.
	Logger *zap.Logger

	// Registerer is optional. Metrics are not exported if it is nil.
	Registerer prometheus.Registerer
}

func (opts *ManagerOpts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil cache backend")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Manager owns the namespaces of one backend. It is shared by every worker
// generation in the process.
type Manager struct {
	opts ManagerOpts
	ops  *prometheus.CounterVec
}

// Handle is an opened namespace.
type Handle struct {
	ns Namespace
}

func (h *Handle) Namespace() Namespace { return h.ns }
func (h *Handle) Name() string         { return h.ns.Name }

func NewManager(opts ManagerOpts) (*Manager, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	m := &Manager{
		opts: opts,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "The total number of cache store operations",
		}, []string{"operation", "result"}),
	}
	if r := opts.Registerer; r != nil {
		if err := r.Register(m.ops); err != nil {
			return nil, fmt.Errorf("failed to register cache metrics, %w", err)
		}
	}
	return m, nil
}

// Open creates ns in the backend if it does not exist yet.
func (m *Manager) Open(ctx context.Context, ns Namespace) (*Handle, error) {
	if ns.Name == "" {
		return nil, errors.New("empty namespace name")
	}
	if err := m.opts.Backend.CreateNamespace(ctx, ns.Name); err != nil {
		m.ops.WithLabelValues("open", "error").Inc()
		return nil, fmt.Errorf("failed to open namespace %s, %w", ns.Name, err)
	}
	m.ops.WithLabelValues("open", "success").Inc()
	return &Handle{ns: ns}, nil
}

// Match returns the latest entry stored under key. Backend errors are logged
// and reported as a miss.
func (m *Manager) Match(ctx context.Context, h *Handle, key string) (*Entry, bool) {
	e, err := m.opts.Backend.Get(ctx, h.ns.Name, key)
	if err != nil {
		m.ops.WithLabelValues("match", "error").Inc()
		m.opts.Logger.Warn("cache match failed", zap.String("namespace", h.ns.Name), zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if e == nil {
		m.ops.WithLabelValues("match", "miss").Inc()
		return nil, false
	}
	m.ops.WithLabelValues("match", "hit").Inc()
	return e, true
}

// MatchAny returns the first hit among handles, in order.
func (m *Manager) MatchAny(ctx context.Context, key string, handles ...*Handle) (*Entry, *Handle, bool) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		if e, ok := m.Match(ctx, h, key); ok {
			return e, h, true
		}
	}
	return nil, nil, false
}

// Put stores a snapshot of resp under key. resp itself is never modified or
// retained, so the caller may keep returning it.
func (m *Manager) Put(ctx context.Context, h *Handle, key string, resp *message.Response) error {
	snap := resp.Fork()
	e := &Entry{
		Key:      key,
		Status:   snap.Status,
		Header:   snap.Header,
		Body:     snap.Body,
		StoredAt: time.Now(),
	}
	if err := m.opts.Backend.Store(ctx, h.ns.Name, e); err != nil {
		m.ops.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to store %s in %s, %w", key, h.ns.Name, err)
	}
	m.ops.WithLabelValues("put", "success").Inc()
	return nil
}

func (m *Manager) Namespaces(ctx context.Context) ([]string, error) {
	return m.opts.Backend.Namespaces(ctx)
}

// Delete removes a namespace. Deleting a missing namespace is not an error.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if _, err := m.opts.Backend.DeleteNamespace(ctx, name); err != nil {
		m.ops.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete namespace %s, %w", name, err)
	}
	m.ops.WithLabelValues("delete", "success").Inc()
	return nil
}

// Prune deletes every namespace not in retained. It is best-effort: a failed
// deletion is logged and the remaining namespaces are still processed.
func (m *Manager) Prune(ctx context.Context, retained map[string]struct{}) (deleted []string, err error) {
	names, err := m.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces, %w", err)
	}
	for _, name := range names {
		if _, ok := retained[name]; ok {
			continue
		}
		if err := m.Delete(ctx, name); err != nil {
			m.opts.Logger.Error("failed to delete namespace", zap.String("namespace", name), zap.Error(err))
			continue
		}
		m.opts.Logger.Info("namespace deleted", zap.String("namespace", name))
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// ToResponse converts a cache hit into a response.
func ToResponse(e *Entry) *message.Response {
	return message.FromCache(&message.Response{
		Status: e.Status,
		Header: e.Header,
		Body:   e.Body,
	}, e.StoredAt)
}

func (m *Manager) Close() error {
	return m.opts.Backend.Close()
}
