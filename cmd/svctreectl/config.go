package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danmuck/svctree/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check svctree config files",
	}

	var (
		kind  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "app", "template kind: app|remote")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load and validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			pairs(cmd.OutOrStdout(),
				[2]string{"file", path},
				[2]string{"name", cfg.Name},
				[2]string{"backends", fmt.Sprint(cfg.Platform.Backends)},
				[2]string{"api", fmt.Sprintf("enabled=%t addr=%s", cfg.API.Enabled, cfg.API.Addr)},
			)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
