package bridge

import "encoding/json"

// Messages sent to UIs.
const (
	TypeEvent            = "event"
	TypeConnectionStatus = "connection-status"
	TypeServerStatus     = "server-status"
	TypeConfig           = "config"
	TypeClear            = "clear"
)

// Commands received from UIs.
const (
	CmdReady    = "ready"
	CmdClear    = "clear"
	CmdCopy     = "copy"
	CmdOpenFile = "open-file"
)

// Outbound is one message to a UI.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Inbound is one command from a UI.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectionStatus is the payload of connection-status.
type ConnectionStatus struct {
	Connected   bool `json:"connected"`
	ClientCount int  `json:"clientCount"`
}

// ServerStatus is the payload of server-status.
type ServerStatus struct {
	Running bool `json:"running"`
	Port    int  `json:"port"`
}

// UIConfig is the payload of config.
type UIConfig struct {
	MaxEvents int `json:"maxEvents"`
}

// OpenFile is the payload of open-file. Line and Column are 1-based;
// zero means 1.
type OpenFile struct {
	File   string `json:"file"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}
