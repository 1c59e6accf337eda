package system

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/danmuck/svctree/internal/config"
	"github.com/danmuck/svctree/internal/services"
)

var ConfigKind = services.ServiceKind.Extend("ConfigService")

const settingsFile = "config.toml"

// Settings is the persisted, user editable part of the configuration.
type Settings struct {
	Platform PlatformSettings `toml:"platform" json:"platform"`
	Daemon   DaemonSettings   `toml:"daemon" json:"daemon"`
}

type PlatformSettings struct {
	Type string `toml:"type" json:"type"`
}

type DaemonSettings struct {
	Host     string `toml:"host" json:"host"`
	Port     int    `toml:"port" json:"port"`
	LogLevel string `toml:"log_level" json:"log_level"`
	Workers  int    `toml:"workers" json:"workers"`
}

func DefaultSettings() Settings {
	return Settings{
		Platform: PlatformSettings{Type: config.BackendGuess},
		Daemon: DaemonSettings{
			Host:     "localhost",
			Port:     8080,
			LogLevel: "info",
			Workers:  1,
		},
	}
}

// ConfigService exposes the persistent settings document kept in the
// storage config directory.
type ConfigService struct {
	services.Base

	mu      sync.Mutex
	storage *Storage
	store   *config.Store
}

// NewConfigService binds to storage, or to the storage found through the
// tree on first use when storage is nil.
func NewConfigService(storage *Storage, opts ...services.Option) (*ConfigService, error) {
	c := &ConfigService{storage: storage}
	opts = append([]services.Option{services.WithKind(ConfigKind)}, opts...)
	if err := c.Init(c, opts...); err != nil {
		return nil, err
	}
	c.Expose("get", c.getAction)
	c.Expose("set", c.setAction)
	c.Expose("settings", func(context.Context, services.Args) (any, error) {
		return c.Settings()
	})
	return c, nil
}

// Store returns the backing document, opening it on first use.
func (c *ConfigService) Store() (*config.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store, nil
	}
	if c.storage == nil {
		st, err := StorageFrom(c)
		if err != nil {
			return nil, err
		}
		c.storage = st
	}
	c.store = config.OpenStore(filepath.Join(c.storage.ConfigDir(), settingsFile))
	return c.store, nil
}

// Settings decodes the stored document over DefaultSettings.
func (c *ConfigService) Settings() (Settings, error) {
	store, err := c.Store()
	if err != nil {
		return Settings{}, err
	}
	out := DefaultSettings()
	n, err := store.Len()
	if err != nil {
		return Settings{}, err
	}
	if n == 0 {
		return out, nil
	}
	if err := store.Decode(&out); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// SaveSettings replaces the stored document with s.
func (c *ConfigService) SaveSettings(s Settings) error {
	store, err := c.Store()
	if err != nil {
		return err
	}
	return store.Replace(s)
}

func (c *ConfigService) getAction(_ context.Context, args services.Args) (any, error) {
	store, err := c.Store()
	if err != nil {
		return nil, err
	}
	key := args["key"]
	if key == "" {
		return nil, fmt.Errorf("get: key is required")
	}
	v, ok, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("get: %q is not set", key)
	}
	return v, nil
}

func (c *ConfigService) setAction(_ context.Context, args services.Args) (any, error) {
	store, err := c.Store()
	if err != nil {
		return nil, err
	}
	key := args["key"]
	if key == "" {
		return nil, fmt.Errorf("set: key is required")
	}
	if err := store.Set(key, args["value"]); err != nil {
		return nil, err
	}
	return map[string]string{key: args["value"]}, nil
}
