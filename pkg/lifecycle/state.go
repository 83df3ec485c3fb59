package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

type Phase uint8

const (
	PhaseNone Phase = iota
	Installing
	Waiting
	Active
)

func (p Phase) String() string {
	switch p {
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	default:
		return "none"
	}
}

func parsePhase(s string) (Phase, error) {
	switch s {
	case "installing":
		return Installing, nil
	case "waiting":
		return Waiting, nil
	case "active":
		return Active, nil
	case "none", "":
		return PhaseNone, nil
	default:
		return PhaseNone, fmt.Errorf("unknown phase %q", s)
	}
}

func (p Phase) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

func (p *Phase) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := parsePhase(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// State is the persisted lifecycle of the newest generation.
// ActiveVersion is the generation that controls requests, which differs from
// CurrentVersion while a new one is installing or waiting.
type State struct {
	Phase              Phase    `yaml:"phase"`
	CurrentVersion     string   `yaml:"current_version"`
	ActiveVersion      string   `yaml:"active_version,omitempty"`
	RetainedNamespaces []string `yaml:"retained_namespaces,omitempty"`
}

type StateStore interface {
	// Load returns the zero State if nothing was saved yet.
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

type MemStateStore struct {
	m sync.Mutex
	s State
}

func NewMemStateStore() *MemStateStore {
	return new(MemStateStore)
}

func (m *MemStateStore) Load(context.Context) (State, error) {
	m.m.Lock()
	defer m.m.Unlock()
	s := m.s
	s.RetainedNamespaces = append([]string(nil), m.s.RetainedNamespaces...)
	return s, nil
}

func (m *MemStateStore) Save(_ context.Context, s State) error {
	m.m.Lock()
	defer m.m.Unlock()
	s.RetainedNamespaces = append([]string(nil), s.RetainedNamespaces...)
	m.s = s
	return nil
}

// FileStateStore keeps the state in a yaml file. Saves replace the file
// atomically.
type FileStateStore struct {
	path string
}

func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

func (f *FileStateStore) Load(context.Context) (State, error) {
	var s State
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("invalid state file %s, %w", f.path, err)
	}
	return s, nil
}

func (f *FileStateStore) Save(_ context.Context, s State) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
