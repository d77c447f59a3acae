package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/krisarmstrong/bacrouter/internal/config"
	"github.com/krisarmstrong/bacrouter/pkg/logging"
)

var (
	validateVerbose bool
	validateJSON    bool
)

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Validate a bacrouter configuration file",
	Long: `Validate checks a configuration file against the router's MS/TP,
BACnet/IP, device-identity, BDT, and static-route constraints, and
reports both errors and warnings whether or not the file is valid.

Exit codes:
  0 - configuration is valid
  1 - configuration has errors`,
	Example: `  # Validate a configuration file
  bacrouter validate bacrouter.yaml

  # JSON output for CI/CD pipelines
  bacrouter validate bacrouter.yaml --json > validation-results.json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVarP(&validateVerbose, "verbose", "v", false, "Show detailed validation information")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output validation results as JSON")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile := args[0]

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", configFile, err)
	}

	cfg := config.Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	errs := config.NewValidator(configFile).Validate(cfg)

	if validateJSON {
		out, jsonErr := errs.ToJSON()
		if jsonErr != nil {
			return jsonErr
		}
		fmt.Println(out)
	} else if errs.HasErrors() || len(errs.Warnings) > 0 {
		fmt.Println(errs.Format())
	} else {
		logging.Success("configuration is valid: %s", configFile)
		if validateVerbose {
			fmt.Printf("\nstation: %d  mstp_network: %d  ip_network: %d\n", cfg.Station, cfg.MSTPNetwork, cfg.IPNetwork)
		}
	}

	if errs.HasErrors() {
		os.Exit(1)
	}
	return nil
}
