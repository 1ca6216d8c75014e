package cliconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config but uses strings for durations to make the
// file formats friendly.
type FileConfig struct {
	Host              string `toml:"host" yaml:"host" json:"host"`
	Port              int    `toml:"port" yaml:"port" json:"port"`
	MaxConnections    int    `toml:"max_connections" yaml:"max_connections" json:"max_connections"`
	HeartbeatInterval string `toml:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval"`
	MaxEvents         int    `toml:"max_events" yaml:"max_events" json:"max_events"`
	Editor            string `toml:"editor" yaml:"editor" json:"editor"`
	LogLevel          string `toml:"log_level" yaml:"log_level" json:"log_level"`
	Metrics           *bool  `toml:"metrics" yaml:"metrics" json:"metrics"`
	Tail              *bool  `toml:"tail" yaml:"tail" json:"tail"`
	URL               string `toml:"url" yaml:"url" json:"url"`
	AppName           string `toml:"app_name" yaml:"app_name" json:"app_name"`
}

// LoadFileConfig reads and parses a config file. The format follows the
// extension: .yaml/.yml, .json/.jsonc (comments and trailing commas
// allowed), and TOML otherwise.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := ParseFileConfig(b, filepath.Ext(path), &fc); err != nil {
		return fc, fmt.Errorf("%s: %w", path, err)
	}
	return fc, nil
}

// ParseFileConfig decodes data in the format named by ext into fc.
func ParseFileConfig(data []byte, ext string, fc *FileConfig) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, fc)
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), fc)
	default:
		return toml.Unmarshal(data, fc)
	}
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.devrelay/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".devrelay", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies fc onto cfg, skipping fields whose flag is in
// changed.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	l := newLayer(changed)

	l.str("host", fc.Host, &cfg.Host)
	l.str("editor", fc.Editor, &cfg.Editor)
	l.str("log-level", fc.LogLevel, &cfg.LogLevel)
	l.str("url", fc.URL, &cfg.URL)
	l.str("app-name", fc.AppName, &cfg.AppName)

	l.count("port", fc.Port, &cfg.Port)
	l.count("max-connections", fc.MaxConnections, &cfg.MaxConnections)
	l.count("max-events", fc.MaxEvents, &cfg.MaxEvents)
	parse(l, "heartbeat", fc.HeartbeatInterval, &cfg.HeartbeatInterval, time.ParseDuration, nil)

	l.toggle("metrics", fc.Metrics, &cfg.Metrics)
	l.toggle("tail", fc.Tail, &cfg.Tail)

	return l.err()
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
