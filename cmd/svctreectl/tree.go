package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/svctree/internal/app"
	"github.com/danmuck/svctree/internal/services"
)

func newTreeCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the assembled service tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			tree, err := app.Build(cfg)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tree.Snapshot())
			}
			table := newTable("path", "kind", "status", "capabilities")
			err = services.Walk(tree.Root, func(svc services.Service, depth int) error {
				name := strings.Repeat("  ", depth) + svc.FullPath()
				table.add(name, svc.Kind().Name(), svc.Status().String(), strings.Join(svc.Capabilities(), ","))
				return nil
			})
			if err != nil {
				return err
			}
			table.render(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}
