package cliconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bft-labs/devrelay/internal/domain"
)

func TestApplyFileConfig(t *testing.T) {
	trueVal := true
	falseVal := false

	tests := []struct {
		name       string
		fileConfig FileConfig
		changed    map[string]bool
		initial    Config
		expected   Config
		wantErr    bool
	}{
		{
			name: "applies all valid config values",
			fileConfig: FileConfig{
				Host:              "0.0.0.0",
				Port:              9191,
				MaxConnections:    2,
				HeartbeatInterval: "1m",
				MaxEvents:         50,
				Editor:            "subl {file}:{line}",
				LogLevel:          "warn",
				Metrics:           &falseVal,
				Tail:              &trueVal,
				URL:               "ws://box:9191",
				AppName:           "web",
			},
			changed: map[string]bool{},
			initial: Config{Metrics: true},
			expected: Config{
				Host:              "0.0.0.0",
				Port:              9191,
				MaxConnections:    2,
				HeartbeatInterval: time.Minute,
				MaxEvents:         50,
				Editor:            "subl {file}:{line}",
				LogLevel:          "warn",
				Metrics:           false,
				Tail:              true,
				URL:               "ws://box:9191",
				AppName:           "web",
			},
		},
		{
			name:       "respects changed flags",
			fileConfig: FileConfig{Host: "file-host", Port: 7000},
			changed:    map[string]bool{"host": true},
			initial:    Config{Host: "flag-host", Port: 9090},
			expected:   Config{Host: "flag-host", Port: 7000},
		},
		{
			name:       "empty values keep defaults",
			fileConfig: FileConfig{},
			changed:    map[string]bool{},
			initial:    DefaultConfig(),
			expected:   DefaultConfig(),
		},
		{
			name:       "returns error for invalid duration",
			fileConfig: FileConfig{HeartbeatInterval: "often"},
			changed:    map[string]bool{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			err := ApplyFileConfig(&cfg, tt.fileConfig, tt.changed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyFileConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cfg != tt.expected {
				t.Errorf("ApplyFileConfig() =\n%+v\nwant\n%+v", cfg, tt.expected)
			}
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return path
}

func TestLoadFileConfig_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `
host = "0.0.0.0"
port = 9191
heartbeat_interval = "15s"
tail = true
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
host: 0.0.0.0
port: 9191
heartbeat_interval: 15s
tail: true
`,
		},
		{
			name: "jsonc",
			file: "config.jsonc",
			content: `{
  // collector
  "host": "0.0.0.0",
  "port": 9191,
  /* heartbeat */
  "heartbeat_interval": "15s",
  "tail": true,
}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, err := LoadFileConfig(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("LoadFileConfig() error = %v", err)
			}
			if fc.Host != "0.0.0.0" {
				t.Errorf("Host = %v, want 0.0.0.0", fc.Host)
			}
			if fc.Port != 9191 {
				t.Errorf("Port = %v, want 9191", fc.Port)
			}
			if fc.HeartbeatInterval != "15s" {
				t.Errorf("HeartbeatInterval = %v, want 15s", fc.HeartbeatInterval)
			}
			if fc.Tail == nil || !*fc.Tail {
				t.Errorf("Tail = %v, want true", fc.Tail)
			}
			if fc.Metrics != nil {
				t.Errorf("Metrics = %v, want unset", *fc.Metrics)
			}
		})
	}
}

func TestLoadFileConfig_InvalidFile(t *testing.T) {
	_, err := LoadFileConfig("/nonexistent/path/config.toml")
	if err == nil {
		t.Error("LoadFileConfig() expected error for nonexistent file")
	}
}

func TestLoadFileConfig_InvalidContent(t *testing.T) {
	for name, content := range map[string]string{
		"invalid.toml": "this is not valid toml\n",
		"invalid.yaml": "host: [unclosed\n",
		"invalid.json": "{\"port\": \"nine\"}",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFileConfig(writeFile(t, name, content)); err == nil {
				t.Errorf("LoadFileConfig(%s) expected error", name)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.toml", "port = 7000\nmax_events = 20\n")
	t.Setenv("DEVRELAY_MAX_EVENTS", "30")

	cfg := DefaultConfig()
	if err := Load(&cfg, path, map[string]bool{}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7000 || cfg.MaxEvents != 30 {
		t.Errorf("Load() port = %d, max events = %d; want 7000, 30", cfg.Port, cfg.MaxEvents)
	}

	missing := DefaultConfig()
	if err := Load(&missing, filepath.Join(t.TempDir(), "absent.toml"), nil); err != nil {
		t.Errorf("Load() with missing file error = %v", err)
	}

	bad := writeFile(t, "config.toml", "log_level = \"loud\"\n")
	cfg = DefaultConfig()
	if err := Load(&cfg, bad, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()

	if path != "" && !strings.HasSuffix(path, filepath.Join(".devrelay", "config.toml")) {
		t.Errorf("DefaultConfigPath() = %v, should end in .devrelay/config.toml", path)
	}
}

func TestFileExists(t *testing.T) {
	existingFile := writeFile(t, "exists.txt", "test")

	if !FileExists(existingFile) {
		t.Error("FileExists() = false, want true for existing file")
	}
	if FileExists(filepath.Join(t.TempDir(), "nonexistent.txt")) {
		t.Error("FileExists() = true, want false for nonexistent file")
	}
}
