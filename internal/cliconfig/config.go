package cliconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bft-labs/devrelay/internal/collector"
	"github.com/bft-labs/devrelay/internal/domain"
	"github.com/bft-labs/devrelay/pkg/transport"
)

// Config holds CLI configuration for devrelay.
type Config struct {
	// Collector.
	Host              string
	Port              int
	MaxConnections    int
	HeartbeatInterval time.Duration

	// UI bridge.
	MaxEvents int
	Editor    string

	LogLevel string
	Metrics  bool
	Tail     bool

	// Demo client.
	URL     string
	AppName string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	cc := collector.DefaultConfig()
	return Config{
		Host:              cc.Host,
		Port:              cc.Port,
		MaxConnections:    cc.MaxConnections,
		HeartbeatInterval: cc.HeartbeatInterval,
		MaxEvents:         1000,
		LogLevel:          "info",
		Metrics:           true,
		URL:               transport.DefaultURL,
		AppName:           "devrelay-demo",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", domain.ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrInvalidConfig, c.Port)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max connections must be positive", domain.ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", domain.ErrInvalidConfig)
	}
	if c.MaxEvents <= 0 {
		return fmt.Errorf("%w: max events must be positive", domain.ErrInvalidConfig)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", domain.ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

// CollectorConfig returns the collector settings.
func (c Config) CollectorConfig() collector.Config {
	cc := collector.DefaultConfig()
	cc.Host = c.Host
	cc.Port = c.Port
	cc.MaxConnections = c.MaxConnections
	cc.HeartbeatInterval = c.HeartbeatInterval
	return cc
}

// ServerChanged reports whether the collector must restart to move from
// c to next.
func (c Config) ServerChanged(next Config) bool {
	return c.Host != next.Host ||
		c.Port != next.Port ||
		c.MaxConnections != next.MaxConnections ||
		c.HeartbeatInterval != next.HeartbeatInterval
}

// Load applies the config file at path (skipped when it does not exist)
// and then DEVRELAY_* environment variables onto cfg, leaving fields of
// changed flags alone, and validates the result.
func Load(cfg *Config, path string, changed map[string]bool) error {
	if path != "" && FileExists(path) {
		fc, err := LoadFileConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := ApplyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	}
	if err := ApplyEnvConfig(cfg, changed); err != nil {
		return err
	}
	return cfg.Validate()
}

// layer writes one config source onto a Config, skipping fields whose
// flag was set on the command line. Parse errors are collected so one
// pass reports every bad value.
type layer struct {
	changed map[string]bool
	errs    []error
}

func newLayer(changed map[string]bool) *layer {
	return &layer{changed: changed}
}

func assign[T any](l *layer, flag string, dst *T, v T, present bool) {
	if present && !l.changed[flag] {
		*dst = v
	}
}

func (l *layer) str(flag, v string, dst *string) { assign(l, flag, dst, v, v != "") }

// count ignores zero and negative values.
func (l *layer) count(flag string, v int, dst *int) { assign(l, flag, dst, v, v > 0) }

func (l *layer) toggle(flag string, v *bool, dst *bool) {
	if v != nil {
		assign(l, flag, dst, *v, true)
	}
}

// parse converts non-empty text with fn. keep, when set, filters the
// parsed value.
func parse[T any](l *layer, flag, text string, dst *T, fn func(string) (T, error), keep func(T) bool) {
	if text == "" || l.changed[flag] {
		return
	}
	v, err := fn(text)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", flag, err))
		return
	}
	if keep == nil || keep(v) {
		*dst = v
	}
}

func positive(n int) bool { return n > 0 }

func (l *layer) err() error { return errors.Join(l.errs...) }
