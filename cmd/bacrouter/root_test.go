package main

import (
	"testing"

	"github.com/krisarmstrong/bacrouter/internal/config"
)

func defaultsForTest() *config.Config { return config.Defaults() }

func TestRootCommandHasSubcommands(t *testing.T) {
	want := map[string]bool{"run": false, "validate": false, "config": false, "status": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestApplyRunOverridesAppliesOnlySetFlags(t *testing.T) {
	origSerial, origBaud, origStation, origLevel := runSerialPort, runBaud, runStation, runDebugLevel
	origVerbose, origQuiet := runVerbose, runQuiet
	defer func() {
		runSerialPort, runBaud, runStation, runDebugLevel = origSerial, origBaud, origStation, origLevel
		runVerbose, runQuiet = origVerbose, origQuiet
	}()

	runSerialPort = "/dev/ttyUSB1"
	runBaud = 76800
	runStation = 5
	runDebugLevel = -1
	runVerbose = false
	runQuiet = false

	cfg := defaultsForTest()
	applyRunOverrides(cfg)

	if cfg.SerialPort != "/dev/ttyUSB1" {
		t.Errorf("SerialPort = %q, want /dev/ttyUSB1", cfg.SerialPort)
	}
	if cfg.Baud != 76800 {
		t.Errorf("Baud = %d, want 76800", cfg.Baud)
	}
	if cfg.Station != 5 {
		t.Errorf("Station = %d, want 5", cfg.Station)
	}
}

func TestApplyRunOverridesVerboseWinsOverDebugFlag(t *testing.T) {
	origLevel, origVerbose, origQuiet := runDebugLevel, runVerbose, runQuiet
	origSerial, origBaud, origStation := runSerialPort, runBaud, runStation
	defer func() {
		runDebugLevel, runVerbose, runQuiet = origLevel, origVerbose, origQuiet
		runSerialPort, runBaud, runStation = origSerial, origBaud, origStation
	}()

	runSerialPort, runBaud, runStation = "", 0, -1
	runDebugLevel = 1
	runVerbose = true
	runQuiet = false

	cfg := defaultsForTest()
	applyRunOverrides(cfg)

	if cfg.LogLevel != 3 {
		t.Errorf("LogLevel = %d, want 3", cfg.LogLevel)
	}
}
