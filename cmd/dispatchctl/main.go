// Command dispatchctl exercises an AMQP 0-9-1 broker through the dispatch
// package.
package main

import (
	"fmt"
	"os"

	"github.com/israelio/amqp-dispatch/dispatch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Probe an AMQP broker over a multiplexed dispatcher connection.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file (AMQP_* env vars override it)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "console", "log format: console or json")

	cmd.AddCommand(newProbeCmd(flags))
	cmd.AddCommand(newPublishCmd(flags))
	cmd.AddCommand(newConsumeCmd(flags))
	cmd.AddCommand(newConfigCmd(flags))
	return cmd
}

// setup builds the logger and loads the configuration shared by the
// commands that talk to a broker.
func (f *rootFlags) setup(cmd *cobra.Command) (dispatch.Config, *zap.Logger, error) {
	logger, err := newLogger(f.logLevel, f.logFormat)
	if err != nil {
		return dispatch.Config{}, nil, err
	}
	cfg, err := dispatch.LoadConfig(cmd.Context(), f.configPath)
	if err != nil {
		return dispatch.Config{}, nil, err
	}
	return cfg, logger, nil
}
