package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "v0.1.0"
	commit  = "dev"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "bacrouter",
	Short: "BACnet MS/TP <-> BACnet/IP router",
	Long: `bacrouter bridges a BACnet MS/TP trunk to a BACnet/IP network.

It runs the MS/TP master state machine on one serial port, the BVLC
datalink on one UDP socket, and routes NPDUs between the two networks
declared in its configuration file.`,
	Version: version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("bacrouter %s (commit: %s, built: %s)\n", version, commit, date))
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
