package main

import (
	"github.com/BurntSushi/toml"
	"github.com/israelio/amqp-dispatch/dispatch"
	"github.com/spf13/cobra"
)

func newConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := dispatch.LoadConfig(cmd.Context(), flags.configPath)
			if err != nil {
				return err
			}
			return cfg.WriteTOML(toml.NewEncoder(cmd.OutOrStdout()))
		},
	}
}
