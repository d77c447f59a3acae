package config

import (
	"fmt"
	"net"
)

// Validator checks a Config's field-level constraints: one aggregated
// error list per file, addError/addWarning helpers, one validateXxx
// method per concern.
type Validator struct {
	errs *ValidationErrorList
}

// NewValidator creates a validator that tags every finding with file.
func NewValidator(file string) *Validator {
	return &Validator{errs: &ValidationErrorList{File: file}}
}

func (v *Validator) addError(field, format string, args ...interface{}) {
	v.errs.add(field, fmt.Sprintf(format, args...), SeverityError)
}

func (v *Validator) addWarning(field, format string, args ...interface{}) {
	v.errs.add(field, fmt.Sprintf(format, args...), SeverityWarning)
}

// Validate runs every check and returns the aggregated result.
func (v *Validator) Validate(cfg *Config) *ValidationErrorList {
	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errs
	}

	v.validateMSTP(cfg)
	v.validateIP(cfg)
	v.validateDevice(cfg)
	v.validateBDT(cfg)
	v.validateRoutes(cfg)

	return v.errs
}

func (v *Validator) validateMSTP(cfg *Config) {
	if cfg.SerialPort == "" {
		v.addWarning("serial_port", "no serial device configured; MS/TP engine cannot run")
	}
	if cfg.Station > 127 {
		v.addError("station", "station MAC %d is out of the master range 0..=127", cfg.Station)
	}
	if cfg.MaxMaster > 127 {
		v.addError("max_master", "max_master %d exceeds 127", cfg.MaxMaster)
	}
	if cfg.MaxMaster < cfg.Station {
		v.addError("max_master", "max_master %d is below station %d", cfg.MaxMaster, cfg.Station)
	}
	if cfg.MaxInfoFrames < 1 {
		v.addError("max_info_frames", "max_info_frames must be at least 1, got %d", cfg.MaxInfoFrames)
	}
	if !ValidBaud(cfg.Baud) {
		v.addError("baud", "unsupported baud rate %d", cfg.Baud)
	}
	if cfg.MSTPNetwork == 0 || cfg.MSTPNetwork > 65534 {
		v.addError("mstp_network", "mstp_network must be in 1..=65534, got %d", cfg.MSTPNetwork)
	}
}

func (v *Validator) validateIP(cfg *Config) {
	if cfg.IPPort == 0 {
		v.addError("ip_port", "ip_port must be non-zero")
	}
	if cfg.IPNetwork == 0 || cfg.IPNetwork > 65534 {
		v.addError("ip_network", "ip_network must be in 1..=65534, got %d", cfg.IPNetwork)
	}
	if cfg.IPNetwork == cfg.MSTPNetwork && cfg.IPNetwork != 0 {
		v.addError("ip_network", "ip_network must differ from mstp_network")
	}
	for i, raw := range cfg.AdditionalBroadcast {
		if net.ParseIP(hostOnly(raw)) == nil {
			v.addError(fmt.Sprintf("additional_broadcast[%d]", i), "invalid address %q", raw)
		}
	}
}

func (v *Validator) validateDevice(cfg *Config) {
	if cfg.DeviceInstance > 4194302 {
		v.addError("device_instance", "device_instance %d exceeds the 4194302 maximum", cfg.DeviceInstance)
	}
	if cfg.DeviceName == "" {
		v.addWarning("device_name", "no device name configured")
	}
}

func (v *Validator) validateBDT(cfg *Config) {
	seen := make(map[string]bool, len(cfg.BDT))
	for i, e := range cfg.BDT {
		host := hostOnly(e.Peer)
		if net.ParseIP(host) == nil {
			v.addError(fmt.Sprintf("bdt[%d].peer", i), "invalid peer address %q", e.Peer)
			continue
		}
		if seen[e.Peer] {
			v.addError(fmt.Sprintf("bdt[%d].peer", i), "duplicate BDT peer address %q", e.Peer)
		}
		seen[e.Peer] = true
		if e.Mask != "" && net.ParseIP(e.Mask) == nil {
			v.addError(fmt.Sprintf("bdt[%d].mask", i), "invalid broadcast mask %q", e.Mask)
		}
	}
}

func (v *Validator) validateRoutes(cfg *Config) {
	seen := make(map[byte]bool, len(cfg.StaticRoutes))
	for i, r := range cfg.StaticRoutes {
		if seen[r.MSTPMac] {
			v.addError(fmt.Sprintf("static_routes[%d].mstp_mac", i), "duplicate MS/TP MAC %d", r.MSTPMac)
		}
		seen[r.MSTPMac] = true
		if net.ParseIP(hostOnly(r.IP)) == nil {
			v.addError(fmt.Sprintf("static_routes[%d].ip", i), "invalid IP endpoint %q", r.IP)
		}
	}
}

// hostOnly strips an optional ":port" suffix for ParseIP, accepting
// both bare addresses and host:port pairs in config fields that carry
// either.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
