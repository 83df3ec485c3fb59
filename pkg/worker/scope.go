package worker

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/classify"
	"github.com/pmkol/swproxy/pkg/offline_queue"
	"github.com/pmkol/swproxy/pkg/strategy"
	"github.com/pmkol/swproxy/pkg/upstream"
)

var nopLogger = zap.NewNop()

// Scope holds the collaborators shared by every worker generation of the
// process. It is passed explicitly to each worker.
type Scope struct {
	// Cache, Queue, Fetcher and Classifier cannot be nil.
	Cache      *cache.Manager
	Queue      *offline_queue.Queue
	Fetcher    upstream.Fetcher
	Classifier *classify.Classifier

	// Origin resolves relative request urls, so that cache keys are always
	// absolute. Optional.
	Origin *url.URL

	// NamespacePrefix is prepended to namespace names. Optional.
	NamespacePrefix string

	// StrategyMetrics is shared by the executors of every generation.
	StrategyMetrics *strategy.Metrics

	RevalidateTimeout   time.Duration
	PrecacheConcurrency int

	// RefreshURLs are refetched on a content-sync.
	RefreshURLs []string

	// BaseContext is canceled on shutdown. Default is context.Background().
	BaseContext context.Context

	Logger *zap.Logger
}

func (s *Scope) Init() error {
	switch {
	case s.Cache == nil:
		return errors.New("nil cache manager")
	case s.Queue == nil:
		return errors.New("nil offline queue")
	case s.Fetcher == nil:
		return errors.New("nil fetcher")
	case s.Classifier == nil:
		return errors.New("nil classifier")
	}
	if s.BaseContext == nil {
		s.BaseContext = context.Background()
	}
	if s.Logger == nil {
		s.Logger = nopLogger
	}
	return nil
}

func (s *Scope) resolve(u *url.URL) *url.URL {
	if u.IsAbs() || s.Origin == nil {
		return u
	}
	return s.Origin.ResolveReference(u)
}
