package relay

import (
	"github.com/bft-labs/devrelay/internal/clock"
	"github.com/bft-labs/devrelay/pkg/intercept"
	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/transport"
)

// Option configures optional behavior of a Client.
type Option func(*options)

type options struct {
	logger    log.Logger
	clock     clock.Clock
	dialer    transport.Dialer
	dialerSet bool
	printer   intercept.Printer
	transport func(*transport.Config)
}

func defaultOptions() options {
	return options{
		logger: log.NoopLogger{},
		clock:  clock.Real(),
	}
}

// WithLogger sets the logger for relay diagnostics and usage errors.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = log.OrNoop(logger)
	}
}

// WithClock sets the clock used for timestamps, durations and reconnect
// timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithDialer replaces the WebSocket dialer. A nil dialer leaves the
// client enabled but unable to connect; messages are dropped.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		o.dialer = d
		o.dialerSet = true
	}
}

// WithPrinter sets where Console output goes after it is reported.
// Defaults to stderr.
func WithPrinter(p intercept.Printer) Option {
	return func(o *options) {
		o.printer = p
	}
}

// WithTransportConfig adjusts the transport settings derived from Config,
// e.g. reconnect timing or queue size.
func WithTransportConfig(fn func(*transport.Config)) Option {
	return func(o *options) {
		o.transport = fn
	}
}
