package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/krisarmstrong/bacrouter/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management tools",
	Long:  `Tools for exporting and comparing bacrouter configurations.`,
	Example: `  # Normalize a configuration file
  bacrouter config export input.yaml output.yaml

  # Compare two configurations
  bacrouter config diff config1.yaml config2.yaml`,
}

var configExportCmd = &cobra.Command{
	Use:   "export <input-file> <output-file>",
	Short: "Normalize a configuration file",
	Long: `Export loads and validates a configuration file, fills in every
default field, and writes it back out as normalized YAML.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigExport,
}

var configDiffCmd = &cobra.Command{
	Use:   "diff <file1> <file2>",
	Short: "Compare two configurations",
	Long: `Diff loads two configuration files and reports differences in the
fields that matter most for a running router: station, baud, networks,
device identity, and the BDT/static-route tables.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigDiff,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configExportCmd)
	configCmd.AddCommand(configDiffCmd)
}

func runConfigExport(cmd *cobra.Command, args []string) error {
	inputFile, outputFile := args[0], args[1]

	if _, err := os.Stat(outputFile); err == nil {
		return fmt.Errorf("output file already exists: %s", outputFile)
	}

	cfg, err := config.Load(inputFile)
	if err != nil {
		return fmt.Errorf("load %s: %w", inputFile, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outputFile, err)
	}

	fmt.Printf("configuration exported to %s\n", outputFile)
	return nil
}

func runConfigDiff(cmd *cobra.Command, args []string) error {
	file1, file2 := args[0], args[1]

	cfg1, err := config.Load(file1)
	if err != nil {
		return fmt.Errorf("load %s: %w", file1, err)
	}
	cfg2, err := config.Load(file2)
	if err != nil {
		return fmt.Errorf("load %s: %w", file2, err)
	}

	changed := false
	report := func(field string, a, b interface{}) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			fmt.Printf("~ %s: %v -> %v\n", field, a, b)
			changed = true
		}
	}

	report("serial_port", cfg1.SerialPort, cfg2.SerialPort)
	report("baud", cfg1.Baud, cfg2.Baud)
	report("station", cfg1.Station, cfg2.Station)
	report("mstp_network", cfg1.MSTPNetwork, cfg2.MSTPNetwork)
	report("interface", cfg1.Interface, cfg2.Interface)
	report("ip_network", cfg1.IPNetwork, cfg2.IPNetwork)
	report("device_instance", cfg1.DeviceInstance, cfg2.DeviceInstance)
	report("device_name", cfg1.DeviceName, cfg2.DeviceName)
	report("bdt entries", len(cfg1.BDT), len(cfg2.BDT))
	report("static routes", len(cfg1.StaticRoutes), len(cfg2.StaticRoutes))

	if !changed {
		fmt.Println("no differences found")
	}
	return nil
}
