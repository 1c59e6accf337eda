package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/testutil/testlog"
)

func TestTemplatesLoadAndValidate(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"app", "remote"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if _, err := Load(path); err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s template", kind)
		}
		if err := WriteTemplate(path, kind, true); err != nil {
			t.Fatalf("overwrite %s template: %v", kind, err)
		}
		logs.Logf("config/template: kind=%s path=%s", kind, path)
	}
	if _, err := Template("bogus"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadOverlaysOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "svctree.toml")
	doc := `poll_interval = "250ms"

[platform]
backends = [" Native ", "podman", ""]

[platform.podman]
image = "custom:1"

[daemon]
stop_grace = "3s"
autostart = true

[api]
enabled = false
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Name != def.Name {
		t.Fatalf("expected default name %q, got %q", def.Name, cfg.Name)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("expected poll interval override, got %s", cfg.PollInterval)
	}
	if len(cfg.Platform.Backends) != 2 || cfg.Platform.Backends[0] != "native" || cfg.Platform.Backends[1] != "podman" {
		t.Fatalf("unexpected backends: %v", cfg.Platform.Backends)
	}
	if cfg.Platform.Podman.Image != "custom:1" || cfg.Platform.Podman.Container != def.Platform.Podman.Container {
		t.Fatalf("unexpected podman config: %+v", cfg.Platform.Podman)
	}
	if cfg.Daemon.StopGrace != 3*time.Second || cfg.Daemon.Command != def.Daemon.Command || !cfg.Daemon.Autostart {
		t.Fatalf("unexpected daemon config: %+v", cfg.Daemon)
	}
	if cfg.API.Enabled {
		t.Fatalf("expected api disabled")
	}
}

func TestValidateRejects(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty name", mutate: func(c *Config) { c.Name = "" }},
		{name: "name with separator", mutate: func(c *Config) { c.Name = "a/b" }},
		{name: "no backends", mutate: func(c *Config) { c.Platform.Backends = nil }},
		{name: "unknown backend", mutate: func(c *Config) { c.Platform.Backends = []string{"docker"} }},
		{name: "duplicate backend", mutate: func(c *Config) { c.Platform.Backends = []string{"native", "native"} }},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }},
		{name: "zero poll", mutate: func(c *Config) { c.PollInterval = 0 }},
		{name: "api without port", mutate: func(c *Config) { c.API.Addr = "localhost" }},
		{name: "ssh host without user", mutate: func(c *Config) { c.Platform.Podman.SSH.Host = "pi" }},
		{name: "plain http source", mutate: func(c *Config) { c.Platform.Podman.Source.Repo = "http://example.com/svctree.git" }},
		{name: "source repo and path", mutate: func(c *Config) {
			c.Platform.Podman.Source = SourceConfig{Repo: "https://example.com/svctree.git", Path: "/src/svctree"}
		}},
		{name: "tls cert without key", mutate: func(c *Config) { c.API.TLSCert = "/etc/svctree/api.crt" }},
		{name: "tls key without cert", mutate: func(c *Config) { c.API.TLSKey = "/etc/svctree/api.key" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := Validate(cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected invalid config, got %v", err)
			}
			logs.Logf("config/validate: case=%q err=%v", tc.name, err)
		})
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	if _, err := Parse(`poll_interval = "soon"`); err == nil {
		t.Fatalf("expected duration parse error")
	}
	cfg, err := Parse(`name = "edge"

[platform.podman]
daemon_binary = " /opt/svctree/svctreed "

[platform.podman.source]
repo = "https://example.com/svctree.git"
branch = "main"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Name != "edge" {
		t.Fatalf("expected name override, got %q", cfg.Name)
	}
	if src := cfg.Platform.Podman.Source; src.Repo != "https://example.com/svctree.git" || src.Branch != "main" {
		t.Fatalf("unexpected source config: %+v", src)
	}
	if got := cfg.Platform.Podman.DaemonBinary; got != "/opt/svctree/svctreed" {
		t.Fatalf("unexpected daemon binary %q", got)
	}
}

func TestParseTLSPair(t *testing.T) {
	testlog.Start(t)
	cfg, err := Parse(`[api]
tls_cert = " /etc/svctree/api.crt "
tls_key = "/etc/svctree/api.key"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.API.TLSCert != "/etc/svctree/api.crt" || cfg.API.TLSKey != "/etc/svctree/api.key" {
		t.Fatalf("unexpected tls paths: cert=%q key=%q", cfg.API.TLSCert, cfg.API.TLSKey)
	}
	if !cfg.API.Enabled {
		t.Fatalf("api should stay enabled by default")
	}
}
