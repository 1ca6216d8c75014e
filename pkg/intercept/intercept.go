// Package intercept observes an application's logging, HTTP traffic,
// failures and state stores, and reports each observation as a relay
// message.
//
// Go has no mutable global function table, so every interceptor is a
// facade the application calls through (Console, Stores, Errors.Go) or a
// wrapper installed into one of the few process globals Go exposes
// (log.SetOutput, http.DefaultTransport, the zerolog global logger, the
// httpreq observer). Every Install function returns a restore func.
//
// Interceptors never alter what the application sees: original log output
// still happens, responses and errors are returned unchanged, panics and
// reducer failures propagate.
package intercept

import (
	"math"
	"strings"
	"time"

	"github.com/bft-labs/devrelay/internal/clock"
	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/transport"
)

// Sender delivers one message. *transport.Transport implements it.
type Sender interface {
	Send(typ transport.MessageType, payload any)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(typ transport.MessageType, payload any)

// Send implements Sender.
func (f SenderFunc) Send(typ transport.MessageType, payload any) { f(typ, payload) }

type options struct {
	logger log.Logger
	clock  clock.Clock
}

// Option configures an interceptor.
type Option func(*options)

// WithLogger sets where usage errors and warnings are written.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = log.OrNoop(l) }
}

// WithClock sets the clock used to time requests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{logger: log.NoopLogger{}, clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// millis converts d to whole milliseconds.
func millis(d time.Duration) float64 {
	return math.Round(float64(d) / float64(time.Millisecond))
}

// stackOf returns the stack an error carries, if it exposes one.
func stackOf(v any) string {
	switch st := v.(type) {
	case interface{ StackTrace() string }:
		return st.StackTrace()
	case interface{ Stack() string }:
		return st.Stack()
	}
	return ""
}

func trimNewline(s string) string {
	return strings.TrimRight(s, "\r\n")
}
