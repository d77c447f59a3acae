package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/krisarmstrong/bacrouter/internal/config"
	"github.com/krisarmstrong/bacrouter/pkg/diag"
	"github.com/krisarmstrong/bacrouter/pkg/gateway"
	"github.com/krisarmstrong/bacrouter/pkg/logging"
)

var (
	runConfigFile   string
	runSerialPort   string
	runBaud         int
	runStation      int
	runDebugLevel   int
	runVerbose      bool
	runQuiet        bool
	runNoColor      bool
	runDryRun       bool
	runExportJSON   string
	runExportCSV    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the router against a configuration file",
	Long: `Run starts the MS/TP engine, the BACnet/IP datalink, and the
router core, and blocks until interrupted.

Command-line flags override the corresponding configuration file
fields, the same defaults -> file -> flags layering the config
package applies.`,
	Example: `  # Run with a configuration file
  bacrouter run --config bacrouter.yaml

  # Override the serial port and baud rate
  bacrouter run --config bacrouter.yaml --serial-port /dev/ttyUSB1 --baud 76800

  # Validate without starting
  bacrouter run --config bacrouter.yaml --dry-run`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "", "Configuration file (required)")
	runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVar(&runSerialPort, "serial-port", "", "Override the configured serial port")
	runCmd.Flags().IntVar(&runBaud, "baud", 0, "Override the configured baud rate")
	runCmd.Flags().IntVar(&runStation, "station", -1, "Override the configured MS/TP station MAC")
	runCmd.Flags().IntVarP(&runDebugLevel, "debug", "d", -1, "Override the configured log level (0-3)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Verbose output (equivalent to --debug 3)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Quiet output (equivalent to --debug 0)")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false, "Disable colored output")
	runCmd.Flags().BoolVarP(&runDryRun, "dry-run", "n", false, "Validate configuration without starting")
	runCmd.Flags().StringVar(&runExportJSON, "export-stats-json", "", "Export diagnostics snapshot to JSON on exit")
	runCmd.Flags().StringVar(&runExportCSV, "export-stats-csv", "", "Export diagnostics snapshot to CSV on exit")
}

func runRun(cmd *cobra.Command, args []string) error {
	logging.InitColors(!runNoColor)

	cfg, err := config.Load(runConfigFile)
	if err != nil {
		return err
	}
	applyRunOverrides(cfg)

	if runDryRun {
		logging.Success("configuration is valid: %s", runConfigFile)
		return nil
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logging.Info("shutting down...")
		cancel()
	}()

	logging.Info("starting bacrouter: %s <-> %s", cfg.SerialPort, cfg.Interface)
	err = gw.Run(ctx)

	if runExportJSON != "" || runExportCSV != "" {
		snap := gw.Snapshot()
		if runExportJSON != "" {
			if exportErr := diag.ExportJSON(snap, runExportJSON); exportErr != nil {
				logging.Error("export stats json: %v", exportErr)
			}
		}
		if runExportCSV != "" {
			if exportErr := diag.ExportCSV(snap, runExportCSV); exportErr != nil {
				logging.Error("export stats csv: %v", exportErr)
			}
		}
	}

	return err
}

func applyRunOverrides(cfg *config.Config) {
	overrides := config.FlagOverrides{}
	if runSerialPort != "" {
		overrides.SerialPort = &runSerialPort
	}
	if runBaud != 0 {
		overrides.Baud = &runBaud
	}
	if runStation >= 0 {
		station := byte(runStation)
		overrides.Station = &station
	}
	level := runDebugLevel
	if runVerbose {
		level = 3
	}
	if runQuiet {
		level = 0
	}
	if level >= 0 {
		overrides.LogLevel = &level
	}
	config.ApplyFlagOverrides(cfg, overrides)
}
