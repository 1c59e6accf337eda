package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/danmuck/svctree/internal/config"
	logs "github.com/danmuck/svctree/internal/logging"
)

// Module provides the assembled *Tree to an fx application and ties the
// tree's Start, Run and Stop to the application lifecycle.
func Module(cfg config.Config, opts ...BuildOption) fx.Option {
	return fx.Module("svctree",
		fx.Supply(cfg),
		fx.Provide(func(cfg config.Config) (*Tree, error) {
			return Build(cfg, opts...)
		}),
		fx.Invoke(registerLifecycle),
	)
}

type lifecycleInput struct {
	fx.In
	LC       fx.Lifecycle
	Shutdown fx.Shutdowner
	Tree     *Tree
}

func registerLifecycle(in lifecycleInput) {
	var (
		cancel context.CancelFunc
		done   = make(chan error, 1)
	)
	root := in.Tree.Root
	in.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := root.Start(); err != nil {
				return multierr.Append(err, root.Stop())
			}
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				err := quiet(root.Run(ctx))
				done <- err
				if err != nil {
					logs.Errf("app.Module run root=%q err=%v", root.FullPath(), err)
					_ = in.Shutdown.Shutdown(fx.ExitCode(1))
				}
			}()
			logs.Infof("app.Module started root=%q", root.FullPath())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopErr := root.Stop()
			defer cancel()
			select {
			case err := <-done:
				return multierr.Append(err, stopErr)
			case <-ctx.Done():
				return multierr.Append(ctx.Err(), stopErr)
			}
		},
	})
}
