package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/amken3d/sbclinkd/internal/config"
	"github.com/amken3d/sbclinkd/internal/supervisor"
)

func newRunCmd() *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runDaemon(configPath, verbose))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/sbclinkd/sbclinkd.toml", "path to the daemon's TOML config file")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log at debug level")
	return cmd
}

// runDaemon returns the process exit code: 0 normal shutdown, 1 fatal
// SPI link loss, 2 startup configuration error.
func runDaemon(configPath string, verbose bool) int {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbclinkd: %v\n", err)
		return 2
	}

	sup, err := supervisor.New(log, cfg)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 2
	}

	return sup.Run(context.Background())
}
