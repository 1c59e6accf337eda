package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Backend names accepted in [platform] backends.
const (
	BackendGuess  = "guess"
	BackendNative = "native"
	BackendPodman = "podman"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the application configuration read from svctree.toml.
type Config struct {
	Name         string         `toml:"name" validate:"required,excludesall=/"`
	PollInterval time.Duration  `toml:"-" validate:"gt=0"`
	Log          LogConfig      `toml:"log"`
	Storage      StorageConfig  `toml:"storage"`
	Platform     PlatformConfig `toml:"platform"`
	Daemon       DaemonConfig   `toml:"daemon"`
	API          APIConfig      `toml:"api"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
}

// StorageConfig places every storage directory under Root when set;
// otherwise the XDG base directories are used.
type StorageConfig struct {
	Root string `toml:"root"`
}

type PlatformConfig struct {
	Backends []string     `toml:"backends" validate:"min=1,dive,oneof=guess native podman"`
	Podman   PodmanConfig `toml:"podman"`
}

type PodmanConfig struct {
	Binary       string       `toml:"binary" validate:"required"`
	Image        string       `toml:"image" validate:"required"`
	Container    string       `toml:"container" validate:"required"`
	Ports        []string     `toml:"ports" validate:"dive,required"`
	BuildContext string       `toml:"build_context"`
	DaemonBinary string       `toml:"daemon_binary"`
	SSH          SSHConfig    `toml:"ssh"`
	Source       SourceConfig `toml:"source"`
}

// SourceConfig builds the image from a git repository or a local checkout
// instead of a released binary.
type SourceConfig struct {
	Repo   string `toml:"repo" validate:"omitempty,url,startswith=https://"`
	Branch string `toml:"branch"`
	Ref    string `toml:"ref"`
	Path   string `toml:"path" validate:"excluded_with=Repo"`
}

// SSHConfig runs podman on a remote host when Host is set.
type SSHConfig struct {
	Host           string `toml:"host"`
	Port           string `toml:"port" validate:"omitempty,numeric"`
	User           string `toml:"user" validate:"required_with=Host"`
	KeyPath        string `toml:"key_path" validate:"required_with=Host"`
	KnownHostsPath string `toml:"known_hosts_path"`
	Insecure       bool   `toml:"insecure"`
}

type DaemonConfig struct {
	Command   string        `toml:"command" validate:"required"`
	Args      []string      `toml:"args"`
	StopGrace time.Duration `toml:"-" validate:"gt=0"`
	LogFile   string        `toml:"log_file"`
	// Autostart launches the process when the tree starts.
	Autostart bool          `toml:"autostart"`
}

// APIConfig serves HTTPS when both TLSCert and TLSKey are set.
type APIConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	OwnerToken  string   `toml:"owner_token"`
	TLSCert     string   `toml:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey      string   `toml:"tls_key" validate:"required_with=TLSCert"`
}

func DefaultConfig() Config {
	return Config{
		Name:         "root",
		PollInterval: time.Second,
		Log:          LogConfig{Level: "info"},
		Platform: PlatformConfig{
			Backends: []string{BackendGuess},
			Podman: PodmanConfig{
				Binary:    "podman",
				Image:     "svctree:latest",
				Container: "svctree-server",
				Ports:     []string{"8080:8080"},
			},
		},
		Daemon: DaemonConfig{
			Command:   "svctreed",
			StopGrace: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7380",
		},
	}
}

type fileConfig struct {
	Name         string `toml:"name"`
	PollInterval string `toml:"poll_interval"`
	Log          struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Storage struct {
		Root string `toml:"root"`
	} `toml:"storage"`
	Platform struct {
		Backends []string `toml:"backends"`
		Podman   struct {
			Binary       string       `toml:"binary"`
			Image        string       `toml:"image"`
			Container    string       `toml:"container"`
			Ports        []string     `toml:"ports"`
			BuildContext string       `toml:"build_context"`
			DaemonBinary string       `toml:"daemon_binary"`
			SSH          SSHConfig    `toml:"ssh"`
			Source       SourceConfig `toml:"source"`
		} `toml:"podman"`
	} `toml:"platform"`
	Daemon struct {
		Command   string   `toml:"command"`
		Args      []string `toml:"args"`
		StopGrace string   `toml:"stop_grace"`
		LogFile   string   `toml:"log_file"`
		Autostart bool     `toml:"autostart"`
	} `toml:"daemon"`
	API struct {
		Enabled     bool     `toml:"enabled"`
		Addr        string   `toml:"addr"`
		CorsOrigins []string `toml:"cors_origins"`
		OwnerToken  string   `toml:"owner_token"`
		TLSCert     string   `toml:"tls_cert"`
		TLSKey      string   `toml:"tls_key"`
	} `toml:"api"`
}

// Load overlays the keys present in path onto DefaultConfig and validates
// the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := overlay(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for in-memory documents.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := overlay(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlay(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("poll_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PollInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(raw.Log.Level))
	}
	if meta.IsDefined("storage", "root") {
		cfg.Storage.Root = strings.TrimSpace(raw.Storage.Root)
	}

	if meta.IsDefined("platform", "backends") {
		cfg.Platform.Backends = normalizeList(raw.Platform.Backends, true)
	}
	podman := raw.Platform.Podman
	if meta.IsDefined("platform", "podman", "binary") {
		cfg.Platform.Podman.Binary = strings.TrimSpace(podman.Binary)
	}
	if meta.IsDefined("platform", "podman", "image") {
		cfg.Platform.Podman.Image = strings.TrimSpace(podman.Image)
	}
	if meta.IsDefined("platform", "podman", "container") {
		cfg.Platform.Podman.Container = strings.TrimSpace(podman.Container)
	}
	if meta.IsDefined("platform", "podman", "ports") {
		cfg.Platform.Podman.Ports = normalizeList(podman.Ports, false)
	}
	if meta.IsDefined("platform", "podman", "build_context") {
		cfg.Platform.Podman.BuildContext = strings.TrimSpace(podman.BuildContext)
	}
	if meta.IsDefined("platform", "podman", "daemon_binary") {
		cfg.Platform.Podman.DaemonBinary = strings.TrimSpace(podman.DaemonBinary)
	}
	if meta.IsDefined("platform", "podman", "ssh") {
		cfg.Platform.Podman.SSH = podman.SSH
	}
	if meta.IsDefined("platform", "podman", "source") {
		cfg.Platform.Podman.Source = podman.Source
	}

	if meta.IsDefined("daemon", "command") {
		cfg.Daemon.Command = strings.TrimSpace(raw.Daemon.Command)
	}
	if meta.IsDefined("daemon", "args") {
		cfg.Daemon.Args = raw.Daemon.Args
	}
	if meta.IsDefined("daemon", "stop_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Daemon.StopGrace))
		if err != nil {
			return Config{}, fmt.Errorf("parse daemon.stop_grace: %w", err)
		}
		cfg.Daemon.StopGrace = d
	}
	if meta.IsDefined("daemon", "log_file") {
		cfg.Daemon.LogFile = strings.TrimSpace(raw.Daemon.LogFile)
	}
	if meta.IsDefined("daemon", "autostart") {
		cfg.Daemon.Autostart = raw.Daemon.Autostart
	}

	if meta.IsDefined("api", "enabled") {
		cfg.API.Enabled = raw.API.Enabled
	}
	if meta.IsDefined("api", "addr") {
		cfg.API.Addr = strings.TrimSpace(raw.API.Addr)
	}
	if meta.IsDefined("api", "cors_origins") {
		cfg.API.CorsOrigins = normalizeList(raw.API.CorsOrigins, false)
	}
	if meta.IsDefined("api", "owner_token") {
		cfg.API.OwnerToken = strings.TrimSpace(raw.API.OwnerToken)
	}
	if meta.IsDefined("api", "tls_cert") {
		cfg.API.TLSCert = strings.TrimSpace(raw.API.TLSCert)
	}
	if meta.IsDefined("api", "tls_key") {
		cfg.API.TLSKey = strings.TrimSpace(raw.API.TLSKey)
	}
	return cfg, nil
}

func normalizeList(in []string, lower bool) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		out = append(out, v)
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the rules tags cannot express.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.API.Enabled {
		if strings.TrimSpace(cfg.API.Addr) == "" {
			return fmt.Errorf("%w: api.addr is required when the api is enabled", ErrInvalidConfig)
		}
		if _, _, err := net.SplitHostPort(cfg.API.Addr); err != nil {
			return fmt.Errorf("%w: api.addr %q: %v", ErrInvalidConfig, cfg.API.Addr, err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Platform.Backends))
	for _, b := range cfg.Platform.Backends {
		if _, dup := seen[b]; dup {
			return fmt.Errorf("%w: platform backend %q listed twice", ErrInvalidConfig, b)
		}
		seen[b] = struct{}{}
	}
	return nil
}
