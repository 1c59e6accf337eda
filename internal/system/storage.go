package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/services"
)

const appDir = "svctree"

var StorageKind = services.ServiceKind.Extend("Storage")

var ErrNoStorage = errors.New("system: no storage service reachable")

// Layout is the set of base directories storage manages.
type Layout struct {
	Config  string
	Data    string
	State   string
	Cache   string
	Runtime string
}

// XDGLayout follows the XDG base directory variables, falling back to
// their documented defaults under the home directory.
func XDGLayout() Layout {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	base := func(env, fallback string) string {
		if v := os.Getenv(env); v != "" {
			return v
		}
		return fallback
	}
	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		user := os.Getenv("USER")
		if user == "" {
			user = "unknown"
		}
		runtime = filepath.Join(os.TempDir(), appDir+"-"+user)
	}
	return Layout{
		Config:  filepath.Join(base("XDG_CONFIG_HOME", filepath.Join(home, ".config")), appDir),
		Data:    filepath.Join(base("XDG_DATA_HOME", filepath.Join(home, ".local", "share")), appDir),
		State:   filepath.Join(base("XDG_STATE_HOME", filepath.Join(home, ".local", "state")), appDir),
		Cache:   filepath.Join(base("XDG_CACHE_HOME", filepath.Join(home, ".cache")), appDir),
		Runtime: filepath.Join(runtime, appDir),
	}
}

// RootLayout keeps every directory under root.
func RootLayout(root string) Layout {
	return Layout{
		Config:  filepath.Join(root, "config"),
		Data:    filepath.Join(root, "data"),
		State:   filepath.Join(root, "state"),
		Cache:   filepath.Join(root, "cache"),
		Runtime: filepath.Join(root, "runtime"),
	}
}

func (l Layout) Keys() string    { return filepath.Join(l.Data, "keys") }
func (l Layout) Install() string { return filepath.Join(l.Data, "install") }
func (l Layout) Repos() string   { return filepath.Join(l.Cache, "src") }
func (l Layout) Build() string   { return filepath.Join(l.Cache, "build") }
func (l Layout) Nodes() string   { return filepath.Join(l.State, "nodes") }

// Storage owns the on-disk layout and hands out paths inside it.
type Storage struct {
	services.Base
	layout Layout
}

func NewStorage(layout Layout, opts ...services.Option) (*Storage, error) {
	s := &Storage{layout: layout}
	opts = append([]services.Option{services.WithKind(StorageKind)}, opts...)
	if err := s.Init(s, opts...); err != nil {
		return nil, err
	}
	s.Expose("paths", func(context.Context, services.Args) (any, error) {
		return s.Paths(), nil
	})
	return s, nil
}

// StorageFrom finds the storage service reachable from svc.
func StorageFrom(svc services.Service) (*Storage, error) {
	found, err := services.Locate(svc, StorageKind.ServiceName())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStorage, err)
	}
	st, ok := found.(*Storage)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T", ErrNoStorage, found.FullPath(), found)
	}
	return st, nil
}

// Start creates the layout and tightens permissions before marking the
// service running.
func (s *Storage) Start() error {
	if err := s.CreateDirectories(); err != nil {
		return err
	}
	if err := s.EnsureSecurePermissions(); err != nil {
		return err
	}
	return s.Base.Start()
}

func (s *Storage) Layout() Layout { return s.layout }

func (s *Storage) ConfigDir() string  { return s.layout.Config }
func (s *Storage) DataDir() string    { return s.layout.Data }
func (s *Storage) StateDir() string   { return s.layout.State }
func (s *Storage) CacheDir() string   { return s.layout.Cache }
func (s *Storage) RuntimeDir() string { return s.layout.Runtime }

func (s *Storage) UserKeyPath() string { return filepath.Join(s.layout.Keys(), "user.key") }

func (s *Storage) NodeDir(nodeID string) string { return filepath.Join(s.layout.Nodes(), nodeID) }

func (s *Storage) NodeKeyPath(nodeID string) string { return filepath.Join(s.NodeDir(nodeID), "key") }

func (s *Storage) PIDFilePath() string { return filepath.Join(s.layout.Runtime, appDir+".pid") }

func (s *Storage) DatabasePath(name string) string {
	return filepath.Join(s.layout.State, name+".db")
}

func (s *Storage) Paths() map[string]string {
	return map[string]string{
		"config":  s.layout.Config,
		"data":    s.layout.Data,
		"state":   s.layout.State,
		"cache":   s.layout.Cache,
		"runtime": s.layout.Runtime,
		"keys":    s.layout.Keys(),
		"pid":     s.PIDFilePath(),
	}
}

func (s *Storage) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile creates missing parents and writes data with perm.
func (s *Storage) WriteFile(path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return err
	}
	return os.Chmod(path, perm)
}

func (s *Storage) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Storage) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (s *Storage) IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CreateDirectories builds the whole layout; each failure is collected.
func (s *Storage) CreateDirectories() error {
	l := s.layout
	dirs := []struct {
		path string
		perm fs.FileMode
	}{
		{l.Config, 0o755},
		{l.Data, 0o755},
		{l.State, 0o700},
		{l.Cache, 0o755},
		{l.Runtime, 0o700},
		{l.Keys(), 0o700},
		{l.Install(), 0o755},
		{l.Repos(), 0o755},
		{l.Build(), 0o755},
	}
	var err error
	for _, d := range dirs {
		if mkErr := os.MkdirAll(d.path, d.perm); mkErr != nil {
			err = multierr.Append(err, fmt.Errorf("create %s: %w", d.path, mkErr))
		}
	}
	if err != nil {
		logs.Errf("system.Storage.CreateDirectories err=%v", err)
	}
	return err
}

// EnsureSecurePermissions restricts key material and private state to the
// owner.
func (s *Storage) EnsureSecurePermissions() error {
	var err error
	chmod := func(path string, perm fs.FileMode) {
		if !s.Exists(path) {
			return
		}
		if cErr := os.Chmod(path, perm); cErr != nil {
			err = multierr.Append(err, fmt.Errorf("chmod %s: %w", path, cErr))
		}
	}
	chmod(s.layout.Keys(), 0o700)
	chmod(s.UserKeyPath(), 0o600)
	chmod(s.layout.State, 0o700)
	chmod(s.layout.Runtime, 0o700)

	entries, readErr := os.ReadDir(s.layout.Nodes())
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		err = multierr.Append(err, readErr)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		chmod(s.NodeDir(e.Name()), 0o700)
		chmod(s.NodeKeyPath(e.Name()), 0o600)
	}
	return err
}
