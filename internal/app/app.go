// Package app assembles the service tree a svctree process runs from its
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/danmuck/svctree/internal/api"
	"github.com/danmuck/svctree/internal/auth"
	"github.com/danmuck/svctree/internal/config"
	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/observability"
	"github.com/danmuck/svctree/internal/platform"
	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/system"
	"github.com/danmuck/svctree/internal/tools"
)

// Tree is the assembled hierarchy with typed handles on its well-known
// nodes. API is nil when the admin API is disabled.
type Tree struct {
	Root     *services.Base
	API      *api.Server
	Storage  *system.Storage
	Config   *system.ConfigService
	Crypto   *system.CryptoService
	ID       *system.IDService
	Platform *services.Composite
}

type buildOptions struct {
	runner   tools.CommandRunner
	lookPath platform.LookPath
	layout   *system.Layout
}

type BuildOption func(*buildOptions)

// WithRunner replaces the command runner podman is driven through.
func WithRunner(r tools.CommandRunner) BuildOption {
	return func(o *buildOptions) { o.runner = r }
}

func WithLookPath(fn platform.LookPath) BuildOption {
	return func(o *buildOptions) { o.lookPath = fn }
}

// WithLayout overrides the storage layout derived from the config.
func WithLayout(l system.Layout) BuildOption {
	return func(o *buildOptions) { o.layout = &l }
}

// Build assembles /<name> with api, storage, config, crypto, id and the merged
// platform backends, in that order.
func Build(cfg config.Config, opts ...BuildOption) (*Tree, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Log.Level != "" && !logs.SetLevel(cfg.Log.Level) {
		logs.Warnf("app.Build unknown log level=%q", cfg.Log.Level)
	}
	observability.RegisterMetrics()
	services.SetObserver(observability.ServiceMetrics{})

	poll := services.WithPollInterval(cfg.PollInterval)
	root, err := services.New(services.WithName(cfg.Name), poll)
	if err != nil {
		return nil, err
	}
	tree := &Tree{Root: root}
	under := func(extra ...services.Option) []services.Option {
		return append([]services.Option{services.WithParent(root), poll}, extra...)
	}

	if cfg.API.Enabled {
		apiOpts := api.Options{
			Addr:        cfg.API.Addr,
			CorsOrigins: cfg.API.CorsOrigins,
			TLSCert:     cfg.API.TLSCert,
			TLSKey:      cfg.API.TLSKey,
		}
		if cfg.API.OwnerToken != "" {
			apiOpts.Owner = auth.StaticToken{Token: cfg.API.OwnerToken}
		}
		if tree.API, err = api.New(apiOpts, under()...); err != nil {
			return nil, err
		}
	}

	layout := system.XDGLayout()
	if cfg.Storage.Root != "" {
		layout = system.RootLayout(cfg.Storage.Root)
	}
	if o.layout != nil {
		layout = *o.layout
	}
	if tree.Storage, err = system.NewStorage(layout, under()...); err != nil {
		return nil, err
	}
	if tree.Config, err = system.NewConfigService(tree.Storage, under()...); err != nil {
		return nil, err
	}
	if tree.Crypto, err = system.NewCryptoService(tree.Storage, under()...); err != nil {
		return nil, err
	}
	if tree.ID, err = system.NewIDService(tree.Storage, under()...); err != nil {
		return nil, err
	}

	runner := o.runner
	if runner == nil {
		runner = runnerFor(cfg.Platform.Podman)
	}
	deps := platform.Deps{
		Daemon: system.DaemonSpec{
			Command:   cfg.Daemon.Command,
			Args:      cfg.Daemon.Args,
			Autostart: cfg.Daemon.Autostart,
			StopGrace: cfg.Daemon.StopGrace,
			LogFile:   cfg.Daemon.LogFile,
		},
		Podman: platform.PodmanSpec{
			Binary:       cfg.Platform.Podman.Binary,
			Image:        cfg.Platform.Podman.Image,
			Container:    cfg.Platform.Podman.Container,
			Ports:        cfg.Platform.Podman.Ports,
			BuildContext: cfg.Platform.Podman.BuildContext,
			DaemonBinary: cfg.Platform.Podman.DaemonBinary,
			Source: platform.SourceSpec{
				Repo:   cfg.Platform.Podman.Source.Repo,
				Branch: cfg.Platform.Podman.Source.Branch,
				Ref:    cfg.Platform.Podman.Source.Ref,
				Path:   cfg.Platform.Podman.Source.Path,
			},
		},
		Runner:   runner,
		LookPath: o.lookPath,
	}
	if tree.Platform, err = platform.Mount(root, deps, cfg.Platform.Backends...); err != nil {
		return nil, fmt.Errorf("mount platform: %w", err)
	}

	logs.Infof("app.Build root=%q children=%d platform=%q", root.FullPath(), len(root.Children()), tree.Platform.FullPath())
	return tree, nil
}

func runnerFor(p config.PodmanConfig) tools.CommandRunner {
	if p.SSH.Host == "" {
		return tools.ExecRunner{}
	}
	return tools.SSHRunner{
		Host:                        p.SSH.Host,
		Port:                        p.SSH.Port,
		User:                        p.SSH.User,
		KeyPath:                     p.SSH.KeyPath,
		KnownHostsPath:              p.SSH.KnownHostsPath,
		InsecureSkipHostKeyChecking: p.SSH.Insecure,
	}
}

// Run starts the tree, runs it until ctx ends or every node has returned,
// then stops it. The start, run and stop errors are combined.
func (t *Tree) Run(ctx context.Context) error {
	if err := t.Root.Start(); err != nil {
		return multierr.Append(err, t.Root.Stop())
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- t.Root.Run(runCtx) }()

	select {
	case <-ctx.Done():
		logs.Infof("app.Tree.Run stopping root=%q cause=%v", t.Root.FullPath(), context.Cause(ctx))
		stopErr := t.Root.Stop()
		return multierr.Append(quiet(<-runErr), stopErr)
	case err := <-runErr:
		return multierr.Append(quiet(err), t.Root.Stop())
	}
}

// Snapshot renders the whole tree.
func (t *Tree) Snapshot() services.Snapshot {
	return services.Snap(t.Root)
}

// quiet drops the cancellation a clean shutdown produces.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
