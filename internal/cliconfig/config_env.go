package cliconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by ApplyEnvConfig.
const EnvPrefix = "DEVRELAY_"

// ApplyEnvConfig applies DEVRELAY_* variables onto cfg, skipping fields
// whose flag is in changed. It reports every malformed value.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	env := func(name string) string { return strings.TrimSpace(os.Getenv(EnvPrefix + name)) }
	l := newLayer(changed)

	l.str("host", env("HOST"), &cfg.Host)
	l.str("editor", env("EDITOR"), &cfg.Editor)
	l.str("log-level", env("LOG_LEVEL"), &cfg.LogLevel)
	l.str("url", env("URL"), &cfg.URL)
	l.str("app-name", env("APP_NAME"), &cfg.AppName)

	parse(l, "port", env("PORT"), &cfg.Port, strconv.Atoi, positive)
	parse(l, "max-connections", env("MAX_CONNECTIONS"), &cfg.MaxConnections, strconv.Atoi, positive)
	parse(l, "max-events", env("MAX_EVENTS"), &cfg.MaxEvents, strconv.Atoi, positive)
	parse(l, "heartbeat", env("HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval, time.ParseDuration, nil)
	parse(l, "metrics", env("METRICS"), &cfg.Metrics, strconv.ParseBool, nil)
	parse(l, "tail", env("TAIL"), &cfg.Tail, strconv.ParseBool, nil)

	return l.err()
}
