package render

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/bft-labs/devrelay/pkg/transport"
)

// Theme is the printer's color palette. Colors are ANSI 256-color codes.
type Theme struct {
	Timestamp lipgloss.Color
	Client    lipgloss.Color
	Faint     lipgloss.Color

	// Per message type label colors.
	Console    lipgloss.Color
	Network    lipgloss.Color
	State      lipgloss.Color
	Error      lipgloss.Color
	Custom     lipgloss.Color
	Benchmark  lipgloss.Color
	Connection lipgloss.Color

	// Console levels and HTTP outcomes.
	Warn    lipgloss.Color
	Info    lipgloss.Color
	Success lipgloss.Color

	// State diff markers.
	Added   lipgloss.Color
	Removed lipgloss.Color
	Changed lipgloss.Color
}

// DefaultTheme suits dark 256-color terminals.
var DefaultTheme = Theme{
	Timestamp: lipgloss.Color("241"),
	Client:    lipgloss.Color("245"),
	Faint:     lipgloss.Color("240"),

	Console:    lipgloss.Color("252"),
	Network:    lipgloss.Color("75"),
	State:      lipgloss.Color("141"),
	Error:      lipgloss.Color("196"),
	Custom:     lipgloss.Color("208"),
	Benchmark:  lipgloss.Color("220"),
	Connection: lipgloss.Color("114"),

	Warn:    lipgloss.Color("220"),
	Info:    lipgloss.Color("75"),
	Success: lipgloss.Color("114"),

	Added:   lipgloss.Color("114"),
	Removed: lipgloss.Color("196"),
	Changed: lipgloss.Color("220"),
}

// TypeColor returns the label color for a message type.
func (t Theme) TypeColor(typ transport.MessageType) lipgloss.Color {
	switch typ {
	case transport.TypeConsole:
		return t.Console
	case transport.TypeNetwork:
		return t.Network
	case transport.TypeState:
		return t.State
	case transport.TypeError:
		return t.Error
	case transport.TypeCustom:
		return t.Custom
	case transport.TypeBenchmark:
		return t.Benchmark
	case transport.TypeConnection:
		return t.Connection
	default:
		return t.Faint
	}
}

// LevelColor returns the color for a console method.
func (t Theme) LevelColor(method string) lipgloss.Color {
	switch method {
	case "error":
		return t.Error
	case "warn":
		return t.Warn
	case "info":
		return t.Info
	case "debug":
		return t.Faint
	default:
		return t.Console
	}
}

// StatusColor returns the color for an HTTP status. Zero means the
// request failed before a response.
func (t Theme) StatusColor(status int) lipgloss.Color {
	switch {
	case status >= 200 && status < 300:
		return t.Success
	case status >= 300 && status < 400:
		return t.Info
	case status >= 400 && status < 500:
		return t.Warn
	default:
		return t.Error
	}
}
