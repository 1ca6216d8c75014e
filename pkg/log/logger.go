package log

import "time"

// Logger is what devrelay components write diagnostics to.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value attached to a log line.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Err attaches err under "error".
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Component names the part of devrelay that wrote the line.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// ClientID names the collector client a line is about.
func ClientID(id string) Field { return Field{Key: "client_id", Value: id} }

// SessionID names the relay session a line is about.
func SessionID(id string) Field { return Field{Key: "session_id", Value: id} }

// OrNoop returns l, or a NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}
