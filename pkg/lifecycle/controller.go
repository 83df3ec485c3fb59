// Package lifecycle moves worker generations through install, waiting and
// active phases, and persists where it got to.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/upstream"
)

const defaultPrecacheConcurrency = 4

var nopLogger = zap.NewNop()

var (
	ErrGenerationRegressed = errors.New("generation is older than the persisted one")
	ErrNoWaitingGeneration = errors.New("no waiting generation")
)

// Generation is one deployed version of the request handler.
type Generation interface {
	Version() string
	// OnInstall precaches the static assets of the generation.
	OnInstall(ctx context.Context) error
	// OnActivate deletes every namespace the generation does not use.
	OnActivate(ctx context.Context) error
	// Retained lists the namespaces the generation uses.
	Retained() []string
}

type Opts struct {
	// StateStore and NewGeneration cannot be nil.
	StateStore    StateStore
	NewGeneration func(m *Manifest) (Generation, error)

	// Claim makes g serve every subsequent request. Optional.
	Claim func(ctx context.Context, g Generation)

	// SkipWaiting activates a generation as soon as it is installed.
	SkipWaiting bool

	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.StateStore == nil {
		return errors.New("nil state store")
	}
	if opts.NewGeneration == nil {
		return errors.New("nil generation constructor")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Controller struct {
	opts Opts

	// tm serializes transitions. m guards the fields below and is never
	// held across a fetch.
	tm sync.Mutex

	m       sync.Mutex
	state   State
	waiting Generation
	active  Generation
}

func NewController(ctx context.Context, opts Opts) (*Controller, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	s, err := opts.StateStore.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load lifecycle state, %w", err)
	}
	return &Controller{opts: opts, state: s}, nil
}

func (c *Controller) State() State {
	c.m.Lock()
	defer c.m.Unlock()
	s := c.state
	s.RetainedNamespaces = append([]string(nil), c.state.RetainedNamespaces...)
	return s
}

// Active returns the generation in control, or nil.
func (c *Controller) Active() Generation {
	c.m.Lock()
	defer c.m.Unlock()
	return c.active
}

// Waiting returns the installed generation waiting for activation, or nil.
func (c *Controller) Waiting() Generation {
	c.m.Lock()
	defer c.m.Unlock()
	return c.waiting
}

// Install precaches generation m. A failed precache is returned but the
// generation still moves to waiting, since cache-first falls back to the
// network on a miss.
func (c *Controller) Install(ctx context.Context, m *Manifest) error {
	c.tm.Lock()
	defer c.tm.Unlock()
	return c.install(ctx, m, c.opts.SkipWaiting)
}

func (c *Controller) install(ctx context.Context, m *Manifest, activate bool) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.m.Lock()
	persisted := []string{c.state.CurrentVersion, c.state.ActiveVersion}
	c.m.Unlock()
	for _, v := range persisted {
		if compareVersion(m.Version, v) < 0 {
			return fmt.Errorf("%w: %s < %s", ErrGenerationRegressed, m.Version, v)
		}
	}

	// Nothing is persisted for a generation that cannot be built.
	g, err := c.opts.NewGeneration(m)
	if err != nil {
		return fmt.Errorf("failed to create generation %s, %w", m.Version, err)
	}

	logger := c.opts.Logger.With(zap.String("version", m.Version))
	c.m.Lock()
	c.state.Phase = Installing
	c.state.CurrentVersion = m.Version
	c.save(ctx)
	c.m.Unlock()

	logger.Info("installing generation")
	installErr := g.OnInstall(ctx)
	if installErr != nil {
		logger.Error("install aborted", zap.Error(installErr))
	}

	c.m.Lock()
	c.state.Phase = Waiting
	c.save(ctx)
	c.waiting = g
	c.m.Unlock()
	logger.Info("generation waiting")

	if installErr != nil {
		return fmt.Errorf("failed to install generation %s, %w", m.Version, installErr)
	}
	if activate {
		return c.activate(ctx)
	}
	return nil
}

// Activate prunes every namespace the waiting generation does not use and
// hands it control.
func (c *Controller) Activate(ctx context.Context) error {
	c.tm.Lock()
	defer c.tm.Unlock()
	return c.activate(ctx)
}

// SkipWaiting activates the waiting generation, if any.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	return c.Activate(ctx)
}

func (c *Controller) activate(ctx context.Context) error {
	g := c.Waiting()
	if g == nil {
		return ErrNoWaitingGeneration
	}
	logger := c.opts.Logger.With(zap.String("version", g.Version()))

	retained := g.Retained()
	if err := g.OnActivate(ctx); err != nil {
		// Stale namespaces are left for the next activation.
		logger.Error("failed to prune namespaces", zap.Error(err))
	}

	c.m.Lock()
	c.state.Phase = Active
	c.state.CurrentVersion = g.Version()
	c.state.ActiveVersion = g.Version()
	c.state.RetainedNamespaces = retained
	c.save(ctx)
	c.waiting = nil
	c.m.Unlock()
	c.claim(ctx, g)
	logger.Info("generation activated", zap.Strings("retained", retained))
	return nil
}

// Upgrade brings generation m into control. A generation goes through
// install and activate exactly once: if the persisted state already has it
// active, it is only claimed.
func (c *Controller) Upgrade(ctx context.Context, m *Manifest) error {
	c.tm.Lock()
	defer c.tm.Unlock()

	if a := c.Active(); a != nil && a.Version() == m.Version {
		return nil
	}
	if s := c.State(); s.Phase == Active && s.ActiveVersion == m.Version {
		g, err := c.opts.NewGeneration(m)
		if err != nil {
			return fmt.Errorf("failed to create generation %s, %w", m.Version, err)
		}
		c.opts.Logger.Info("resuming active generation", zap.String("version", m.Version))
		c.claim(ctx, g)
		return nil
	}

	err := c.install(ctx, m, false)
	if w := c.Waiting(); w == nil || w.Version() != m.Version {
		return err
	}
	if err != nil {
		c.opts.Logger.Warn("activating partially installed generation", zap.String("version", m.Version), zap.Error(err))
	}
	return c.activate(ctx)
}

func (c *Controller) claim(ctx context.Context, g Generation) {
	c.m.Lock()
	c.active = g
	c.m.Unlock()
	if c.opts.Claim != nil {
		c.opts.Claim(ctx, g)
	}
}

func (c *Controller) save(ctx context.Context) {
	if err := c.opts.StateStore.Save(context.WithoutCancel(ctx), c.state); err != nil {
		c.opts.Logger.Error("failed to save lifecycle state", zap.Error(err))
	}
}

// compareVersion compares two generations as semver when both parse, with
// or without the leading "v". Otherwise only equality is known and
// different versions compare as newer.
func compareVersion(a, b string) int {
	switch {
	case a == b:
		return 0
	case b == "":
		return 1
	}
	va, vb := canonical(a), canonical(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	return 1
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// RetainedNamespaces returns the namespaces used by generation version.
func RetainedNamespaces(prefix, version string) []string {
	return []string{
		cache.NamespaceName(prefix, version, cache.Static),
		cache.NamespaceName(prefix, "", cache.Dynamic),
	}
}

// Prune deletes every namespace that generation version does not use.
// Namespaces of any other generation are deleted, never merged.
func Prune(ctx context.Context, m *cache.Manager, prefix, version string) ([]string, error) {
	retained := RetainedNamespaces(prefix, version)
	set := make(map[string]struct{}, len(retained))
	for _, name := range retained {
		set[name] = struct{}{}
	}
	return m.Prune(ctx, set)
}

// Precache fetches every asset and stores it in h. The first failure stops
// the remaining fetches and is returned. Entries stored before the failure
// are kept.
func Precache(ctx context.Context, m *cache.Manager, f upstream.Fetcher, h *cache.Handle, assets []string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = defaultPrecacheConcurrency
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			r, err := message.NewRequest(http.MethodGet, asset, nil, nil)
			if err != nil {
				return fmt.Errorf("invalid asset %s, %w", asset, err)
			}
			resp, err := f.Fetch(gCtx, r)
			if err != nil {
				return fmt.Errorf("failed to fetch %s, %w", asset, err)
			}
			if !resp.OK() {
				return fmt.Errorf("failed to fetch %s, status %d", asset, resp.Status)
			}
			if err := m.Put(context.WithoutCancel(gCtx), h, r.Key(), resp); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
