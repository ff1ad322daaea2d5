package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amken3d/sbclinkd/internal/config"
	"github.com/amken3d/sbclinkd/internal/diag"
)

func newDumpStateCmd() *cobra.Command {
	var configPath string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "dump-state",
		Short: "Print a running daemon's diagnostics bundle as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("sbclinkd: %w", err)
			}
			return dumpState(cfg.Diagnostics.SocketPath, timeout)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/sbclinkd/sbclinkd.toml", "path to the daemon's TOML config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connection timeout")
	return cmd
}

// dumpState connects to a running daemon's diagnostics socket, reads
// the one gzip+JSON diag.Bundle it sends per connection, and prints it
// as indented JSON.
func dumpState(socketPath string, timeout time.Duration) error {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return fmt.Errorf("sbclinkd: connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	bundle, err := diag.DecodeBundle(conn)
	if err != nil {
		return fmt.Errorf("sbclinkd: reading diagnostics bundle: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(bundle)
}
