package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/svctree/internal/app"
	"github.com/danmuck/svctree/internal/system"
)

func newKeygenCmd(flags *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the user key and print its recovery phrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tree, err := buildForKeys(cmd, flags)
			if err != nil {
				return err
			}
			path := tree.Storage.UserKeyPath()
			if tree.Storage.Exists(path) && !force {
				return fmt.Errorf("user key already exists at %s (use --force to replace)", path)
			}
			mnemonic, key, err := tree.Crypto.GenerateMnemonicAndKey()
			if err != nil {
				return err
			}
			if err := system.SaveKey(key, path); err != nil {
				return err
			}
			return printIdentity(cmd, path, key, mnemonic)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing user key")
	return cmd
}

func newRecoverCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <word> ...",
		Short: "Restore the user key from its recovery phrase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic := strings.Join(strings.Fields(strings.Join(args, " ")), " ")
			if !system.IsValidMnemonic(mnemonic) {
				return system.ErrInvalidMnemonic
			}
			tree, err := buildForKeys(cmd, flags)
			if err != nil {
				return err
			}
			key, err := tree.Crypto.RecoverUserKey(mnemonic)
			if err != nil {
				return err
			}
			return printIdentity(cmd, tree.Storage.UserKeyPath(), key, "")
		},
	}
}

func buildForKeys(cmd *cobra.Command, flags *rootFlags) (*app.Tree, error) {
	cfg, err := flags.load(cmd)
	if err != nil {
		return nil, err
	}
	tree, err := app.Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := tree.Storage.CreateDirectories(); err != nil {
		return nil, err
	}
	return tree, nil
}

func printIdentity(cmd *cobra.Command, path string, key []byte, mnemonic string) error {
	identity, err := system.PublicIdentity(key)
	if err != nil {
		return err
	}
	kv := [][2]string{
		{"key", path},
		{"node id", system.NodeID(key)},
		{"identity", identity},
	}
	if mnemonic != "" {
		kv = append(kv, [2]string{"mnemonic", mnemonic})
	}
	pairs(cmd.OutOrStdout(), kv...)
	return nil
}
