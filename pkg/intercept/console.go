package intercept

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/bft-labs/devrelay/pkg/transport"
	"github.com/bft-labs/devrelay/pkg/value"
)

// Console methods, in severity order.
const (
	MethodLog   = "log"
	MethodWarn  = "warn"
	MethodError = "error"
	MethodInfo  = "info"
	MethodDebug = "debug"
)

// Printer is the original output a Console forwards to.
type Printer func(method string, args ...any)

// DefaultPrinter prints args to w separated by spaces. Methods other than
// log are prefixed with their upper-cased name.
func DefaultPrinter(w io.Writer) Printer {
	var mu sync.Mutex
	return func(method string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		if method != MethodLog {
			args = append([]any{strings.ToUpper(method) + ":"}, args...)
		}
		fmt.Fprintln(w, args...)
	}
}

// Console is a logging facade. Each call reports a console message and
// then invokes the original Printer with the unmodified arguments.
type Console struct {
	sender   Sender
	original Printer
}

// NewConsole returns a Console that forwards to original, or to
// DefaultPrinter(os.Stderr) when original is nil.
func NewConsole(s Sender, original Printer) *Console {
	if original == nil {
		original = DefaultPrinter(os.Stderr)
	}
	return &Console{sender: s, original: original}
}

func (c *Console) Log(args ...any)   { c.emit(MethodLog, args) }
func (c *Console) Warn(args ...any)  { c.emit(MethodWarn, args) }
func (c *Console) Error(args ...any) { c.emit(MethodError, args) }
func (c *Console) Info(args ...any)  { c.emit(MethodInfo, args) }
func (c *Console) Debug(args ...any) { c.emit(MethodDebug, args) }

func (c *Console) emit(method string, args []any) {
	c.sender.Send(transport.TypeConsole, transport.ConsolePayload{
		Method: method,
		Args:   value.SanitizeAll(args),
	})
	c.original(method, args...)
}

// StdLogWriter reports every line written through a standard library
// logger, then passes the bytes on to the next writer.
type StdLogWriter struct {
	sender Sender
	next   io.Writer
}

// NewStdLogWriter returns a writer that reports to s and forwards to next.
func NewStdLogWriter(s Sender, next io.Writer) *StdLogWriter {
	return &StdLogWriter{sender: s, next: next}
}

// Write implements io.Writer.
func (w *StdLogWriter) Write(p []byte) (int, error) {
	w.sender.Send(transport.TypeConsole, transport.ConsolePayload{
		Method: MethodLog,
		Args:   []value.Value{value.Text(trimNewline(string(p)))},
	})
	return w.next.Write(p)
}

// InstallStdLog routes the standard library's default logger through a
// StdLogWriter.
func InstallStdLog(s Sender) (restore func()) {
	prev := stdlog.Writer()
	stdlog.SetOutput(NewStdLogWriter(s, prev))

	var once sync.Once
	return func() {
		once.Do(func() { stdlog.SetOutput(prev) })
	}
}

// ZerologHook reports zerolog events as console messages. Only the
// message is captured; zerolog does not expose event fields to hooks.
type ZerologHook struct {
	Sender Sender
}

// Run implements zerolog.Hook.
func (h ZerologHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	method, ok := zerologMethod(level)
	if !ok {
		return
	}
	h.Sender.Send(transport.TypeConsole, transport.ConsolePayload{
		Method: method,
		Args:   []value.Value{value.Text(msg)},
	})
}

func zerologMethod(level zerolog.Level) (string, bool) {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return MethodDebug, true
	case zerolog.InfoLevel:
		return MethodInfo, true
	case zerolog.WarnLevel:
		return MethodWarn, true
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return MethodError, true
	case zerolog.NoLevel:
		return MethodLog, true
	}
	return "", false
}

// InstallZerolog attaches a ZerologHook to zerolog's global logger.
func InstallZerolog(s Sender) (restore func()) {
	prev := zlog.Logger
	zlog.Logger = prev.Hook(ZerologHook{Sender: s})

	var once sync.Once
	return func() {
		once.Do(func() { zlog.Logger = prev })
	}
}
