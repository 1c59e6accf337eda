package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/svctree/internal/config"
)

const defaultConfigPath = "svctree.toml"

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "svctreectl",
		Short:         "Run and inspect a svctree service tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "config file; defaults apply when the default path is absent")
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(
		newServeCmd(flags),
		newTreeCmd(flags),
		newCallCmd(flags),
		newKeygenCmd(flags),
		newRecoverCmd(flags),
		newConfigCmd(),
	)
	return cmd
}

// load reads the config file. A missing file at the default path yields
// the defaults; an explicitly named file must exist.
func (f *rootFlags) load(cmd *cobra.Command) (config.Config, error) {
	if _, err := os.Stat(f.configPath); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.DefaultConfig(), nil
	}
	return config.Load(f.configPath)
}
