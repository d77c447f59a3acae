package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the MS/TP and BACnet/IP parameters, named as DefaultXxx
// constants.
const (
	DefaultBaud                 = 38400
	DefaultMaxInfoFrames        = 1
	DefaultBACnetIPPort  uint16 = 0xBAC0 // 47808
	DefaultHousekeeping         = time.Second
	DefaultAddressMaxAge        = time.Hour
	DefaultStoragePath          = "bacrouter.db"
	DefaultDiagPort      uint16 = 1161
)

// validBauds are the MS/TP baud rates this router accepts.
var validBauds = map[int]bool{
	9600: true, 19200: true, 38400: true, 57600: true, 76800: true, 115200: true,
}

// BDTEntry is one operator-configured Broadcast Distribution Table peer.
type BDTEntry struct {
	Peer string `yaml:"peer"`
	Mask string `yaml:"mask"`
}

// RouteEntry seeds the router's learned address table so a fresh
// gateway doesn't have to wait for traffic from a known peer.
type RouteEntry struct {
	MSTPMac byte   `yaml:"mstp_mac"`
	IP      string `yaml:"ip"`
}

// WiFiConfig is an opaque passthrough for the peripheral Wi-Fi bring-up
// this router does not implement itself: station and AP credentials the
// router never interprets, kept only so the external config-store
// contract is satisfiable end to end.
type WiFiConfig struct {
	StationSSID     string `yaml:"station_ssid,omitempty"`
	StationPassword string `yaml:"station_password,omitempty"`
	APSSID          string `yaml:"ap_ssid,omitempty"`
	APPassword      string `yaml:"ap_password,omitempty"`
}

// Config is the router's full external-collaborator contract.
type Config struct {
	// MS/TP link parameters.
	SerialPort    string `yaml:"serial_port"`
	Baud          int    `yaml:"baud"`
	Station       byte   `yaml:"station"`
	MaxMaster     byte   `yaml:"max_master"`
	MaxInfoFrames int    `yaml:"max_info_frames"`
	MSTPNetwork   uint16 `yaml:"mstp_network"`

	// BACnet/IP parameters.
	Interface           string     `yaml:"interface"`
	IPPort              uint16     `yaml:"ip_port"`
	IPNetwork           uint16     `yaml:"ip_network"`
	GlobalBroadcast     bool       `yaml:"global_broadcast"`
	DirectedBroadcast   bool       `yaml:"directed_broadcast"`
	AdditionalBroadcast []string   `yaml:"additional_broadcast,omitempty"`
	BDT                 []BDTEntry `yaml:"bdt,omitempty"`

	// Local device identity (advertised in I-Am-Router-To-Network and
	// available to the operator surface; object-server semantics are
	// outside this router's own semantics).
	DeviceInstance uint32 `yaml:"device_instance"`
	DeviceName     string `yaml:"device_name"`

	// Learned-table seed and persistence.
	StaticRoutes []RouteEntry  `yaml:"static_routes,omitempty"`
	StoragePath  string        `yaml:"storage_path"`
	AddressMaxAge time.Duration `yaml:"address_max_age"`

	// Housekeeping cadence.
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`

	// Diagnostics surface (pkg/diag).
	DiagPort uint16 `yaml:"diag_port"`

	// Logging.
	LogLevel          int            `yaml:"log_level"`
	SubsystemLogLevel map[string]int `yaml:"subsystem_log_level,omitempty"`

	// Peripheral bring-up passthrough (not interpreted by this router).
	WiFi WiFiConfig `yaml:"wifi,omitempty"`
}

// Defaults returns a Config with every default value filled in, before
// a file or flags are layered on top.
func Defaults() *Config {
	return &Config{
		Baud:                 DefaultBaud,
		MaxInfoFrames:        DefaultMaxInfoFrames,
		IPPort:               DefaultBACnetIPPort,
		GlobalBroadcast:      true,
		DirectedBroadcast:    true,
		StoragePath:          DefaultStoragePath,
		AddressMaxAge:        DefaultAddressMaxAge,
		HousekeepingInterval: DefaultHousekeeping,
		DiagPort:             DefaultDiagPort,
	}
}

// Load reads and parses a YAML configuration file, layering it over
// Defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes parses raw YAML bytes, the same entry point Load uses,
// exposed separately so callers can validate inline configuration.
func LoadBytes(data []byte, source string) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if errs := NewValidator(source).Validate(cfg); errs.HasErrors() {
		return nil, errs
	}
	return cfg, nil
}

// FlagOverrides carries the command-line overrides `run` accepts,
// applied after the file, completing the defaults -> file -> flags layering.
type FlagOverrides struct {
	SerialPort *string
	Baud       *int
	Station    *byte
	LogLevel   *int
}

// ApplyFlagOverrides mutates cfg in place with any non-nil override.
func ApplyFlagOverrides(cfg *Config, o FlagOverrides) {
	if o.SerialPort != nil {
		cfg.SerialPort = *o.SerialPort
	}
	if o.Baud != nil {
		cfg.Baud = *o.Baud
	}
	if o.Station != nil {
		cfg.Station = *o.Station
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
}

// ValidBaud reports whether rate is one of the supported MS/TP baud
// rates.
func ValidBaud(rate int) bool { return validBauds[rate] }
