// Package devrelay streams a running Go application's logs, HTTP traffic,
// failures and state changes to a local collector during development.
//
// Example usage:
//
//	cfg := devrelay.DefaultConfig()
//	cfg.AppName = "checkout"
//	client, err := devrelay.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	defer client.Install()()
//
// Run `devrelay collect` to receive the events.
package devrelay

import (
	"github.com/bft-labs/devrelay/pkg/relay"
	"github.com/bft-labs/devrelay/pkg/transport"
)

// Config holds the client configuration.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = relay.Config

// Client reports application activity to a collector.
type Client = relay.Client

// Option configures optional behavior of a Client.
type Option = relay.Option

// Envelope is one relay message on the wire.
type Envelope = transport.Envelope

// New creates a Client and starts connecting in the background.
// A disabled Config yields an inert Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	return relay.New(cfg, opts...)
}

// DefaultConfig returns a Config for a collector on localhost. Enabled
// follows the DEVRELAY_ENABLED, ENV and GO_ENV environment variables.
func DefaultConfig() Config {
	return relay.DefaultConfig()
}

// Re-exported options.
var (
	WithLogger          = relay.WithLogger
	WithPrinter         = relay.WithPrinter
	WithDialer          = relay.WithDialer
	WithTransportConfig = relay.WithTransportConfig
)

// DefaultURL is the collector address clients dial by default.
const DefaultURL = transport.DefaultURL
