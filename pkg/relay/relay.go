// Package relay is the client side of devrelay: it connects an
// application to a collector and reports what the application logs,
// requests, fails at and stores.
//
// Example usage:
//
//	cfg := relay.DefaultConfig()
//	cfg.AppName = "checkout"
//	client, err := relay.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	defer client.Install()()
//
//	client.Console().Log("cart loaded", cart)
//	done := client.Benchmark("render")
//	render()
//	done()
//
// A disabled client (Config.Enabled false) connects nowhere, installs
// nothing and turns every reporting method into a no-op, so call sites
// need no guards.
package relay

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bft-labs/devrelay/internal/clock"
	"github.com/bft-labs/devrelay/pkg/httpreq"
	"github.com/bft-labs/devrelay/pkg/intercept"
	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/transport"
	"github.com/bft-labs/devrelay/pkg/value"
)

// Client reports application activity to a collector.
// It is safe for concurrent use.
type Client struct {
	cfg       Config
	logger    log.Logger
	clock     clock.Clock
	transport *transport.Transport
	sender    intercept.Sender

	console *intercept.Console
	network *intercept.Network
	errors  *intercept.Errors
	stores  *intercept.Stores

	mu       sync.Mutex
	restores []func()
	closed   bool
}

// New creates a Client and, when enabled, starts connecting in the
// background. It never blocks on the network.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:    cfg,
		logger: o.logger,
		clock:  o.clock,
		sender: intercept.SenderFunc(func(transport.MessageType, any) {}),
	}

	if cfg.Enabled {
		tcfg := transport.DefaultConfig()
		tcfg.URL = cfg.URL
		tcfg.AppName = cfg.AppName
		if o.transport != nil {
			o.transport(&tcfg)
		}
		topts := []transport.Option{
			transport.WithLogger(o.logger),
			transport.WithClock(o.clock),
		}
		if o.dialerSet {
			topts = append(topts, transport.WithDialer(o.dialer))
		}
		c.transport = transport.New(tcfg, topts...)
		c.sender = c.transport
	}

	iopts := []intercept.Option{
		intercept.WithLogger(o.logger),
		intercept.WithClock(o.clock),
	}
	c.console = intercept.NewConsole(c.sender, o.printer)
	c.network = intercept.NewNetwork(c.sender, iopts...)
	c.errors = intercept.NewErrors(c.sender, iopts...)
	c.stores = intercept.NewStores(c.sender, iopts...)

	if c.transport != nil {
		if err := c.transport.Start(); err != nil {
			return nil, err
		}
		o.logger.Debug("relay client started",
			log.String("url", cfg.URL),
			log.String("app", cfg.AppName),
			log.SessionID(c.transport.SessionID()))
	}
	return c, nil
}

// Enabled reports whether the client sends anything.
func (c *Client) Enabled() bool { return c.transport != nil }

// Config returns the client configuration.
func (c *Client) Config() Config { return c.cfg }

// Transport returns the underlying transport, or nil when disabled.
func (c *Client) Transport() *transport.Transport { return c.transport }

// SessionID returns the session id, or "" when disabled.
func (c *Client) SessionID() string {
	if c.transport == nil {
		return ""
	}
	return c.transport.SessionID()
}

// Console returns the logging facade. It prints even when disabled.
func (c *Client) Console() *intercept.Console { return c.console }

// Network returns the HTTP interceptor.
func (c *Client) Network() *intercept.Network { return c.network }

// Errors returns the error interceptor.
func (c *Client) Errors() *intercept.Errors { return c.errors }

// HTTPClient returns an http.Client whose requests are reported. When
// disabled it is a plain client.
func (c *Client) HTTPClient() *http.Client {
	if c.transport == nil {
		return &http.Client{}
	}
	return &http.Client{Transport: c.network.RoundTripper(&httpreq.Transport{})}
}

// Install hooks the client into process globals according to the
// capture flags: the standard logger and the zerolog global logger for
// console, http.DefaultTransport and httpreq for network, the fatal
// Handler for errors. The returned func undoes it; Close does too.
func (c *Client) Install() (restore func()) {
	if c.transport == nil {
		return func() {}
	}

	var restores []func()
	if c.cfg.CaptureConsole {
		restores = append(restores,
			intercept.InstallStdLog(c.sender),
			intercept.InstallZerolog(c.sender))
	}
	if c.cfg.CaptureNetwork {
		restores = append(restores, c.network.Install(), c.network.Observe())
	}
	if c.cfg.CaptureErrors {
		restores = append(restores, c.errors.InstallGlobalHandler())
	}

	c.mu.Lock()
	c.restores = append(c.restores, restores...)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { undo(restores) })
	}
}

// Log reports a custom event.
func (c *Client) Log(eventType string, payload any) {
	if c.transport == nil {
		return
	}
	c.sender.Send(transport.TypeCustom, transport.CustomPayload{
		EventType: eventType,
		Data:      value.Sanitize(payload),
	})
}

// Benchmark starts timing name. Calling the returned func reports the
// elapsed time in whole milliseconds; each call reports again.
func (c *Client) Benchmark(name string) (stop func()) {
	if c.transport == nil {
		return func() {}
	}
	start := c.clock.Now()
	return func() {
		c.sender.Send(transport.TypeBenchmark, transport.BenchmarkPayload{
			Name:     name,
			Duration: roundMillis(c.clock.Since(start)),
		})
	}
}

// Middleware returns a store dispatch Stage. A disabled client returns a
// Stage that forwards untouched.
func (c *Client) Middleware(store any) intercept.Stage {
	if c.transport == nil {
		return func(next intercept.Dispatch) intercept.Dispatch { return next }
	}
	return c.stores.Middleware(store)
}

// TrackStore reports each state published by store.
func (c *Client) TrackStore(store any, name string) (unsubscribe func()) {
	if c.transport == nil {
		return func() {}
	}
	return c.stores.TrackStore(store, name)
}

// TrackStores tracks several named stores at once.
func (c *Client) TrackStores(stores map[string]any) (unsubscribe func()) {
	if c.transport == nil {
		return func() {}
	}
	return c.stores.TrackStores(stores)
}

// Disconnect closes the connection and stops reconnecting. Installed
// hooks stay in place and messages keep queueing until Reconnect.
func (c *Client) Disconnect() {
	if c.transport != nil {
		c.transport.Disconnect()
	}
}

// Reconnect resumes connecting after Disconnect or after the transport
// gave up.
func (c *Client) Reconnect() {
	if c.transport != nil {
		c.transport.Reconnect()
	}
}

// Close undoes every Install and disposes the transport. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	restores := c.restores
	c.restores = nil
	c.mu.Unlock()

	undo(restores)
	if c.transport != nil {
		c.transport.Dispose()
	}
	return nil
}

// undo runs restore funcs in reverse install order.
func undo(restores []func()) {
	for i := len(restores) - 1; i >= 0; i-- {
		restores[i]()
	}
}

func roundMillis(d time.Duration) float64 {
	return math.Round(float64(d) / float64(time.Millisecond))
}
