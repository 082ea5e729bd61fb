package main

import (
	"github.com/spf13/cobra"
	"github.com/tinyrange/rmvm/internal/harness"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			return harness.WriteConfig(cmd.OutOrStdout(), cfg)
		},
	}
}
