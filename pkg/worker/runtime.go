package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/lifecycle"
	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/upstream"
)

var ErrNoActiveWorker = errors.New("no active worker")

type RuntimeOpts struct {
	// StateStore cannot be nil.
	StateStore lifecycle.StateStore

	// SkipWaiting activates a generation as soon as it is installed.
	SkipWaiting bool
}

// Runtime is the host of the workers. Intercepts go to the controlling
// worker, or straight to the network while no worker is in control.
type Runtime struct {
	scope      *Scope
	controller *lifecycle.Controller
	active     atomic.Pointer[Worker]
	logger     *zap.Logger
}

func NewRuntime(ctx context.Context, scope *Scope, opts RuntimeOpts) (*Runtime, error) {
	if err := scope.Init(); err != nil {
		return nil, err
	}
	rt := &Runtime{scope: scope, logger: scope.Logger}
	c, err := lifecycle.NewController(ctx, lifecycle.Opts{
		StateStore:    opts.StateStore,
		NewGeneration: rt.newGeneration,
		Claim:         rt.claim,
		SkipWaiting:   opts.SkipWaiting,
		Logger:        scope.Logger,
	})
	if err != nil {
		return nil, err
	}
	rt.controller = c
	return rt, nil
}

func (rt *Runtime) newGeneration(m *lifecycle.Manifest) (lifecycle.Generation, error) {
	w, err := NewWorker(rt.scope.BaseContext, rt.scope, m)
	if err != nil {
		return nil, err
	}
	w.skipWaiting = rt.SkipWaiting
	return w, nil
}

func (rt *Runtime) claim(_ context.Context, g lifecycle.Generation) {
	w := g.(*Worker)
	if old := rt.active.Swap(w); old != nil && old != w {
		rt.logger.Info("controller changed", zap.String("from", old.Version()), zap.String("to", w.Version()))
		return
	}
	rt.logger.Info("controller claimed", zap.String("version", w.Version()))
}

// Active returns the controlling worker, or nil.
func (rt *Runtime) Active() *Worker {
	return rt.active.Load()
}

// Version returns the generation in control, or "".
func (rt *Runtime) Version() string {
	if w := rt.active.Load(); w != nil {
		return w.Version()
	}
	return ""
}

func (rt *Runtime) State() lifecycle.State {
	return rt.controller.State()
}

// Intercept answers r with the controlling worker.
func (rt *Runtime) Intercept(ctx context.Context, r *message.Request) *message.Response {
	if w := rt.active.Load(); w != nil {
		return w.OnIntercept(ctx, r)
	}
	r.URL = rt.scope.resolve(r.URL)
	resp, err := rt.scope.Fetcher.Fetch(ctx, r)
	if err != nil {
		if !upstream.IsNetworkUnavailable(err) {
			rt.logger.Warn("pass through fetch failed", zap.Error(err))
		}
		return message.OfflineText()
	}
	return resp
}

// Install signals a new generation.
func (rt *Runtime) Install(ctx context.Context, m *lifecycle.Manifest) error {
	return rt.controller.Install(ctx, m)
}

// Activate signals the waiting generation to take control.
func (rt *Runtime) Activate(ctx context.Context) error {
	return rt.controller.Activate(ctx)
}

func (rt *Runtime) SkipWaiting(ctx context.Context) error {
	return rt.controller.SkipWaiting(ctx)
}

// Upgrade installs and activates m unless it is already in control.
func (rt *Runtime) Upgrade(ctx context.Context, m *lifecycle.Manifest) error {
	return rt.controller.Upgrade(ctx, m)
}

// Sync dispatches a connectivity-restored signal to the controlling worker.
func (rt *Runtime) Sync(ctx context.Context, tag string) error {
	w := rt.active.Load()
	if w == nil {
		return fmt.Errorf("%w: sync %s", ErrNoActiveWorker, tag)
	}
	return w.OnSyncTrigger(ctx, tag)
}

// Message dispatches a control command to the controlling worker, or to
// the waiting one before any worker took control.
func (rt *Runtime) Message(ctx context.Context, msg Message) (Reply, error) {
	w := rt.active.Load()
	if w == nil {
		if g := rt.controller.Waiting(); g != nil {
			w = g.(*Worker)
		}
	}
	if w == nil {
		return Reply{Type: msg.Type}, ErrNoActiveWorker
	}
	return w.OnMessage(ctx, msg)
}
