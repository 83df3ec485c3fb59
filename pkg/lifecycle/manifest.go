package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/swproxy/pkg/pool"
)

const defaultDebounce = time.Second * 2

var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest is one deployed generation: its version and the static assets
// precached on install.
type Manifest struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: version is empty", ErrInvalidManifest)
	}
	return nil
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a YAML or JSON manifest.
func ParseManifest(b []byte) (*Manifest, error) {
	m := new(Manifest)
	if err := yaml.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ManifestWatcher reloads a manifest file on change and calls OnChange when
// its version differs from the last seen one.
type ManifestWatcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(ctx context.Context, m *Manifest)
	Logger   *zap.Logger

	lastVersion string
}

// Run blocks until ctx is done. The directory is watched, so editors that
// replace the file by rename are handled.
func (w *ManifestWatcher) Run(ctx context.Context, current string) error {
	if w.Debounce <= 0 {
		w.Debounce = defaultDebounce
	}
	if w.Logger == nil {
		w.Logger = nopLogger
	}
	w.lastVersion = current

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create manifest watcher, %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s, %w", w.Path, err)
	}

	timer := pool.NewStoppedTimer()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != abs || e.Has(fsnotify.Chmod) {
				continue
			}
			pool.ResetAndDrainTimer(timer, w.Debounce)
		case <-timer.C:
			w.reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("manifest watcher error", zap.Error(err))
		}
	}
}

func (w *ManifestWatcher) reload(ctx context.Context) {
	m, err := LoadManifest(w.Path)
	if err != nil {
		w.Logger.Error("failed to reload manifest", zap.String("file", w.Path), zap.Error(err))
		return
	}
	if m.Version == w.lastVersion {
		return
	}
	w.Logger.Info("manifest version changed", zap.String("from", w.lastVersion), zap.String("to", m.Version))
	w.lastVersion = m.Version
	if w.OnChange != nil {
		w.OnChange(ctx, m)
	}
}
