package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/danmuck/svctree/internal/app"
	logs "github.com/danmuck/svctree/internal/logging"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tree and run it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			fxApp := fx.New(fx.NopLogger, app.Module(cfg))
			if err := fxApp.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(cmd.Context(), fx.DefaultTimeout)
			defer cancel()
			if err := fxApp.Start(startCtx); err != nil {
				return err
			}
			sig := <-fxApp.Wait()
			logs.Infof("svctreectl.serve shutdown signal=%v exit=%d", sig.Signal, sig.ExitCode)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			if err := fxApp.Stop(stopCtx); err != nil {
				return err
			}
			if sig.ExitCode != 0 {
				return fmt.Errorf("tree exited with code %d", sig.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "how long to wait for the tree to stop")
	return cmd
}
