// Package logging provides colored console output for the router, with
// Subsystem-tagged lines for the MS/TP engine, BVLC datalink, and router
// core, and a NO_COLOR-respecting fallback for non-terminal output.
package logging

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

var (
	errorColor     = color.New(color.FgRed, color.Bold)
	warningColor   = color.New(color.FgYellow)
	successColor   = color.New(color.FgGreen)
	infoColor      = color.New(color.FgBlue)
	subsystemColor = color.New(color.FgCyan, color.Bold)
	debugColor     = color.New(color.FgWhite, color.Faint)

	colorsEnabled = true
)

// InitColors initializes the color system
func InitColors(enabled bool) {
	colorsEnabled = enabled

	// Respect NO_COLOR environment variable (https://no-color.org/)
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
	}

	color.NoColor = !colorsEnabled
}

// AreColorsEnabled returns whether colors are currently enabled
func AreColorsEnabled() bool {
	return colorsEnabled
}

// Error prints an error message in red
func Error(format string, args ...interface{}) {
	if colorsEnabled {
		errorColor.Printf("ERROR: "+format+"\n", args...)
	} else {
		fmt.Printf("ERROR: "+format+"\n", args...)
	}
}

// Warning prints a warning message in yellow
func Warning(format string, args ...interface{}) {
	if colorsEnabled {
		warningColor.Printf("WARN: "+format+"\n", args...)
	} else {
		fmt.Printf("WARN: "+format+"\n", args...)
	}
}

// Success prints a success message in green
func Success(format string, args ...interface{}) {
	if colorsEnabled {
		successColor.Printf("✓ "+format+"\n", args...)
	} else {
		fmt.Printf("✓ "+format+"\n", args...)
	}
}

// Info prints an info message in blue
func Info(format string, args ...interface{}) {
	if colorsEnabled {
		infoColor.Printf(format+"\n", args...)
	} else {
		fmt.Printf(format+"\n", args...)
	}
}

// Debug prints a debug message in faint white
func Debug(format string, args ...interface{}) {
	if colorsEnabled {
		debugColor.Printf(format+"\n", args...)
	} else {
		fmt.Printf(format+"\n", args...)
	}
}

// Subsystem prints a message tagged with the originating subsystem
// (mstp, bvlc, router) in cyan.
func Subsystem(subsystem string, format string, args ...interface{}) {
	if colorsEnabled {
		subsystemColor.Printf("[%s] ", subsystem)
		fmt.Printf(format+"\n", args...)
	} else {
		fmt.Printf("[%s] "+format+"\n", append([]interface{}{subsystem}, args...)...)
	}
}

// SubsystemDebug prints a Subsystem message only when debugLevel meets
// minLevel.
func SubsystemDebug(subsystem string, debugLevel int, minLevel int, format string, args ...interface{}) {
	if debugLevel >= minLevel {
		Subsystem(subsystem, format, args...)
	}
}

// Sprintf returns a colored string without printing, for building
// messages destined for the status TUI rather than stdout directly.
func Sprintf(colorType string, format string, args ...interface{}) string {
	var c *color.Color
	switch colorType {
	case "error":
		c = errorColor
	case "warning":
		c = warningColor
	case "success":
		c = successColor
	case "info":
		c = infoColor
	case "subsystem":
		c = subsystemColor
	case "debug":
		c = debugColor
	default:
		return fmt.Sprintf(format, args...)
	}

	if colorsEnabled {
		return c.Sprintf(format, args...)
	}
	return fmt.Sprintf(format, args...)
}

// ErrorString returns a colored error string
func ErrorString(s string) string {
	if colorsEnabled {
		return errorColor.Sprint(s)
	}
	return s
}

// WarningString returns a colored warning string
func WarningString(s string) string {
	if colorsEnabled {
		return warningColor.Sprint(s)
	}
	return s
}

// SuccessString returns a colored success string
func SuccessString(s string) string {
	if colorsEnabled {
		return successColor.Sprint(s)
	}
	return s
}

// InfoString returns a colored info string
func InfoString(s string) string {
	if colorsEnabled {
		return infoColor.Sprint(s)
	}
	return s
}

// SubsystemString returns a colored subsystem-tag string
func SubsystemString(s string) string {
	if colorsEnabled {
		return subsystemColor.Sprint(s)
	}
	return s
}
