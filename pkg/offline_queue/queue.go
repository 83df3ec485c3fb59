// Package offline_queue records state-changing requests that could not reach
// the network and replays them in order once a sync is triggered.
package offline_queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/upstream"
)

// MutationHeader carries the mutation id on every replayed request.
const MutationHeader = "X-Swproxy-Mutation-Id"

var nopLogger = zap.NewNop()

// ReportKind names why a mutation left the queue without being delivered.
type ReportKind string

const (
	MutationRetryExhausted ReportKind = "MutationRetryExhausted"
	MutationRejected       ReportKind = "MutationRejected"
)

// Reporter is told about every abandoned mutation.
type Reporter interface {
	Report(ctx context.Context, kind ReportKind, m *PendingMutation, err error)
}

// ReporterFunc is a func Reporter.
type ReporterFunc func(ctx context.Context, kind ReportKind, m *PendingMutation, err error)

func (f ReporterFunc) Report(ctx context.Context, kind ReportKind, m *PendingMutation, err error) {
	f(ctx, kind, m, err)
}

type Opts struct {
	// Store and Fetcher cannot be nil.
	Store   Store
	Fetcher upstream.Fetcher

	// MaxRetries abandons a mutation after that many failed replays.
	// Zero means retry forever.
	MaxRetries int

	// Reporter is optional.
	Reporter Reporter

	// Logger is optional.
	Logger *zap.Logger

	// Registerer is optional.
	Registerer prometheus.Registerer
}

func (opts *Opts) Init() error {
	switch {
	case opts.Store == nil:
		return errors.New("nil store")
	case opts.Fetcher == nil:
		return errors.New("nil fetcher")
	case opts.MaxRetries < 0:
		return fmt.Errorf("negative max retries %d", opts.MaxRetries)
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// DrainResult lists the mutation ids handled by one Drain.
type DrainResult struct {
	Succeeded []string
	Remaining []string
	Abandoned []string

	// Coalesced is set when another drain was already running. Nothing was
	// replayed by this call.
	Coalesced bool
}

type Queue struct {
	opts     Opts
	draining uint32

	pending prometheus.Gauge
	replays *prometheus.CounterVec
}

func NewQueue(opts Opts) (*Queue, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	q := &Queue{
		opts: opts,
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offline_queue_pending",
			Help: "The number of mutations waiting for replay",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_queue_replays_total",
			Help: "The total number of mutation replays",
		}, []string{"result"}),
	}
	if r := opts.Registerer; r != nil {
		for _, c := range []prometheus.Collector{q.pending, q.replays} {
			if err := r.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register queue metrics, %w", err)
			}
		}
	}
	q.refreshGauge(context.Background())
	return q, nil
}

// Enqueue records r for later replay.
func (q *Queue) Enqueue(ctx context.Context, r *message.Request) (*PendingMutation, error) {
	m := &PendingMutation{
		ID:         uuid.NewString(),
		Method:     r.Method,
		URL:        r.URL.String(),
		Header:     r.Header.Clone(),
		Body:       r.Body,
		EnqueuedAt: time.Now(),
	}
	if m.Header == nil {
		m.Header = make(http.Header)
	}
	if err := q.opts.Store.Append(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation, %w", err)
	}
	q.pending.Inc()
	q.opts.Logger.Info("mutation queued", zap.String("id", m.ID), zap.String("method", m.Method), zap.String("url", m.URL))
	return m, nil
}

func (q *Queue) List(ctx context.Context) ([]*PendingMutation, error) {
	return q.opts.Store.List(ctx)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	ms, err := q.opts.Store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ms), nil
}

// Drain replays every pending mutation in order. A mutation is removed once
// the server answered, whatever the status. Only one Drain runs at a time.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !atomic.CompareAndSwapUint32(&q.draining, 0, 1) {
		return DrainResult{Coalesced: true}, nil
	}
	defer atomic.StoreUint32(&q.draining, 0)
	defer q.refreshGauge(ctx)

	ms, err := q.opts.Store.List(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to list mutations, %w", err)
	}

	var res DrainResult
	for i, m := range ms {
		if ctx.Err() != nil {
			for _, left := range ms[i:] {
				res.Remaining = append(res.Remaining, left.ID)
			}
			break
		}
		switch q.replay(ctx, m) {
		case replayDelivered:
			res.Succeeded = append(res.Succeeded, m.ID)
		case replayAbandoned:
			res.Abandoned = append(res.Abandoned, m.ID)
		default:
			res.Remaining = append(res.Remaining, m.ID)
		}
	}
	q.opts.Logger.Info(
		"offline queue drained",
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("remaining", len(res.Remaining)),
		zap.Int("abandoned", len(res.Abandoned)),
	)
	return res, nil
}

type replayResult uint8

const (
	replayDelivered replayResult = iota
	replayRetry
	replayAbandoned
)

func (q *Queue) replay(ctx context.Context, m *PendingMutation) replayResult {
	logger := q.opts.Logger.With(zap.String("id", m.ID), zap.String("method", m.Method), zap.String("url", m.URL))

	r, err := m.Request()
	if err != nil {
		return q.abandon(ctx, m, MutationRejected, err, logger)
	}
	r.Header.Set(MutationHeader, m.ID)

	resp, err := q.opts.Fetcher.Fetch(ctx, r)
	switch {
	case err == nil:
		if err := q.remove(ctx, m); err != nil {
			logger.Error("failed to remove delivered mutation", zap.Error(err))
		}
		if !resp.OK() {
			logger.Warn("mutation delivered with error status", zap.Int("status", resp.Status))
		}
		q.replays.WithLabelValues("delivered").Inc()
		return replayDelivered
	case !upstream.IsNetworkUnavailable(err):
		// The server was reached, but the answer could not be read.
		if upstream.IsDelivered(err) {
			if err := q.remove(ctx, m); err != nil {
				logger.Error("failed to remove delivered mutation", zap.Error(err))
			}
			logger.Warn("mutation delivered without a readable response", zap.Error(err))
			q.replays.WithLabelValues("delivered").Inc()
			return replayDelivered
		}
		return q.abandon(ctx, m, MutationRejected, err, logger)
	}

	m.RetryCount++
	if q.opts.MaxRetries > 0 && m.RetryCount > q.opts.MaxRetries {
		return q.abandon(ctx, m, MutationRetryExhausted, err, logger)
	}
	if uerr := q.opts.Store.Update(ctx, m); uerr != nil {
		logger.Error("failed to update retry count", zap.Error(uerr))
	}
	q.replays.WithLabelValues("retry").Inc()
	logger.Debug("mutation replay failed", zap.Int("retry_count", m.RetryCount), zap.Error(err))
	return replayRetry
}

func (q *Queue) abandon(ctx context.Context, m *PendingMutation, kind ReportKind, cause error, logger *zap.Logger) replayResult {
	if err := q.remove(ctx, m); err != nil {
		logger.Error("failed to remove abandoned mutation", zap.Error(err))
		return replayRetry
	}
	q.replays.WithLabelValues("abandoned").Inc()
	logger.Warn("mutation abandoned", zap.String("reason", string(kind)), zap.Int("retry_count", m.RetryCount), zap.Error(cause))
	if q.opts.Reporter != nil {
		q.opts.Reporter.Report(ctx, kind, m, cause)
	}
	return replayAbandoned
}

func (q *Queue) remove(ctx context.Context, m *PendingMutation) error {
	return q.opts.Store.Remove(context.WithoutCancel(ctx), m.ID)
}

func (q *Queue) refreshGauge(ctx context.Context) {
	n, err := q.Len(context.WithoutCancel(ctx))
	if err != nil {
		q.opts.Logger.Warn("failed to count pending mutations", zap.Error(err))
		return
	}
	q.pending.Set(float64(n))
}
