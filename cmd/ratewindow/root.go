package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/toolink/ratewindow/config"
)

type rootOptions struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ratewindow",
		Short:         "Fixed-window rate limiting service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newResetCmd(opts),
		newLimitsCmd(opts),
		newInstancesCmd(opts),
	)
	return cmd
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
