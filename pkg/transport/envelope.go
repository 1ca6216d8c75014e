package transport

import (
	"github.com/bft-labs/devrelay/pkg/value"
)

// MessageType is the category of an Envelope.
type MessageType string

const (
	TypeConsole    MessageType = "console"
	TypeNetwork    MessageType = "network"
	TypeState      MessageType = "state"
	TypeError      MessageType = "error"
	TypeCustom     MessageType = "custom"
	TypeBenchmark  MessageType = "benchmark"
	TypeConnection MessageType = "connection"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeConsole, TypeNetwork, TypeState, TypeError, TypeCustom, TypeBenchmark, TypeConnection:
		return true
	}
	return false
}

// Envelope is the unit sent on the wire, one JSON text frame each.
type Envelope struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Meta      Meta        `json:"meta"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
}

// Meta identifies the sending session.
type Meta struct {
	SessionID string `json:"sessionId"`
	AppName   string `json:"appName,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

// ConsolePayload is the payload of a console envelope.
type ConsolePayload struct {
	Method string        `json:"method"`
	Args   []value.Value `json:"args"`
}

// NetworkPayload is the payload of a network envelope. Duration is in
// milliseconds; Status 0 means the request never produced a response.
type NetworkPayload struct {
	RequestID       string            `json:"requestId"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Status          int               `json:"status"`
	StatusText      string            `json:"statusText"`
	Duration        float64           `json:"duration"`
	Size            int64             `json:"size"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	RequestBody     value.Value       `json:"requestBody"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	ResponseBody    value.Value       `json:"responseBody"`
	Error           string            `json:"error,omitempty"`
}

// StatePayload is the payload of a state envelope.
type StatePayload struct {
	StoreName  string       `json:"storeName"`
	ActionType string       `json:"actionType"`
	Action     *value.Value `json:"action,omitempty"`
	PrevState  value.Value  `json:"prevState"`
	NextState  value.Value  `json:"nextState"`
}

// Error kinds carried in ErrorPayload.Type.
const (
	ErrorUnhandledRejection = "unhandledrejection"
	ErrorFatal              = "fatal-error"
)

// ErrorPayload is the payload of an error envelope. Uncaught panics fill
// the location fields; rejections and fatal errors set Type instead.
type ErrorPayload struct {
	Message  string `json:"message"`
	Name     string `json:"name,omitempty"`
	Stack    string `json:"stack,omitempty"`
	Filename string `json:"filename,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	Type     string `json:"type,omitempty"`
	IsFatal  *bool  `json:"isFatal,omitempty"`
}

// CustomPayload is the payload of an application-defined event.
type CustomPayload struct {
	EventType string      `json:"eventType"`
	Data      value.Value `json:"data"`
}

// BenchmarkPayload reports one timed section. Duration is in milliseconds.
type BenchmarkPayload struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
}

// ConnectionPayload is sent first on every established connection.
type ConnectionPayload struct {
	Status   string `json:"status"`
	AppName  string `json:"appName"`
	Platform string `json:"platform"`
}
