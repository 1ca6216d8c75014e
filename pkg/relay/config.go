package relay

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/bft-labs/devrelay/pkg/transport"
)

// ErrInvalidConfig is returned by Validate and New for unusable settings.
var ErrInvalidConfig = errors.New("relay: invalid config")

// Environment variables consulted by EnabledFromEnv.
const (
	EnvEnabled = "DEVRELAY_ENABLED"
	EnvMode    = "ENV"
	EnvGoMode  = "GO_ENV"
)

// Config holds the client settings.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config struct {
	// URL of the collector, ws:// or wss://.
	URL string

	// AppName is reported in every envelope and in the connection event.
	AppName string

	// Enabled turns the client on. A disabled client sends nothing and
	// installs nothing.
	Enabled bool

	// Capture flags select what Install hooks into.
	CaptureConsole bool
	CaptureNetwork bool
	CaptureErrors  bool
}

// DefaultConfig returns a Config for a collector on localhost with every
// capture turned on. Enabled follows EnabledFromEnv.
func DefaultConfig() Config {
	return Config{
		URL:            transport.DefaultURL,
		AppName:        "MyApp",
		Enabled:        EnabledFromEnv(),
		CaptureConsole: true,
		CaptureNetwork: true,
		CaptureErrors:  true,
	}
}

// EnabledFromEnv reports whether the process runs in development mode.
// DEVRELAY_ENABLED, when set to a boolean, decides. Otherwise ENV or
// GO_ENV must equal "development".
func EnabledFromEnv() bool {
	if v, ok := os.LookupEnv(EnvEnabled); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	for _, key := range []string{EnvMode, EnvGoMode} {
		if strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "development") {
			return true
		}
	}
	return false
}

// Validate checks the Config. A disabled Config is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidConfig)
	}
	return nil
}
