package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/devrelay/internal/cliconfig"
	"github.com/bft-labs/devrelay/pkg/log"
)

const helpDescription = `
See what your Go service logs, requests, panics on and stores, live, while
you develop it.

Highlights:
  - Instrumented apps stream console, network, error and state events over
    a WebSocket; nothing is lost while the collector restarts.
  - The collector fans events out to UIs on /ui and can tail them in the
    terminal with --tail.
  - Configure via file (TOML, YAML or JSONC), DEVRELAY_* env, or flags;
    the file is watched and reloaded while running.
`

var exampleUsage = strings.TrimSpace(`
  devrelay collect --tail
  devrelay collect --config $HOME/.devrelay/config.yaml --port 9191
  devrelay demo --url ws://localhost:9090 --count 20
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func versionString() string {
	return fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH)
}

// settings carries the resolved configuration shared by subcommands.
type settings struct {
	cfg     cliconfig.Config
	cfgPath string
	// flags holds the values as parsed from the command line, before the
	// file and env layers; hot reload starts again from it.
	flags   cliconfig.Config
	changed map[string]bool
}

// resolve applies the config file and env onto the parsed flags.
func (s *settings) resolve(cmd *cobra.Command) error {
	s.changed = map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { s.changed[f.Name] = true })
	if s.cfgPath == "" {
		s.cfgPath = cliconfig.DefaultConfigPath()
	}
	s.flags = s.cfg
	return cliconfig.Load(&s.cfg, s.cfgPath, s.changed)
}

// reload re-reads the file and env on top of the original flags.
func (s *settings) reload() (cliconfig.Config, error) {
	next := s.flags
	err := cliconfig.Load(&next, s.cfgPath, s.changed)
	return next, err
}

func newRootCommand() *cobra.Command {
	s := &settings{cfg: cliconfig.DefaultConfig()}

	root := &cobra.Command{
		Use:           "devrelay",
		Short:         "Live telemetry relay for Go services under development",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&s.cfgPath, "config", "", "path to config file (default: $HOME/.devrelay/config.toml)")
	root.PersistentFlags().StringVar(&s.cfg.LogLevel, "log-level", s.cfg.LogLevel, "log level (debug, info, warn, error)")

	root.AddCommand(newCollectCommand(s), newDemoCommand(s), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the devrelay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "devrelay", versionString())
		},
	}
}

func newLogger(level string) *log.ZerologAdapter {
	return log.New(os.Stderr, level)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger := newLogger("info").Logger()
		logger.Error().Err(err).Msg("devrelay")
		os.Exit(1)
	}
}
