package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/bft-labs/devrelay/internal/bridge"
	"github.com/bft-labs/devrelay/internal/cliconfig"
	"github.com/bft-labs/devrelay/internal/collector"
	"github.com/bft-labs/devrelay/internal/domain"
	"github.com/bft-labs/devrelay/internal/render"
	"github.com/bft-labs/devrelay/internal/watch"
	"github.com/bft-labs/devrelay/pkg/log"
)

// UI and metrics paths on the collector listener.
const (
	UIPath      = "/ui"
	MetricsPath = "/metrics"
)

func newCollectCommand(s *settings) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the collector and the UI bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.resolve(cmd); err != nil {
				return err
			}
			logger := newLogger(s.cfg.LogLevel)
			zl := logger.Logger()
			zl.Info().Interface("config", s.cfg).Str("config_file", s.cfgPath).Msg("configuration")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r := newRunner(s.cfg, logger)
			if s.cfg.Tail {
				var opts []render.PrinterOption
				if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					opts = append(opts, render.WithWidth(w))
				}
				r.addHandler(render.NewPrinter(os.Stdout, opts...))
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return r.run(gctx) })
			if !noWatch && s.cfgPath != "" {
				g.Go(func() error { return watchConfig(gctx, s, r, logger) })
			}
			err := g.Wait()
			zl.Info().Msg("collector shut down")
			return err
		},
	}

	f := cmd.Flags()
	cfg := &s.cfg
	f.StringVar(&cfg.Host, "host", cfg.Host, "interface to listen on")
	f.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on (0 picks a free port)")
	f.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum simultaneous app connections")
	f.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "ping interval; apps silent for two intervals are dropped")
	f.IntVar(&cfg.MaxEvents, "max-events", cfg.MaxEvents, "events kept by each UI")
	f.StringVar(&cfg.Editor, "editor", cfg.Editor, "editor command for open-file, with {file} {line} {column} placeholders")
	f.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "serve Prometheus metrics on "+MetricsPath)
	f.BoolVar(&cfg.Tail, "tail", cfg.Tail, "print events to stdout")
	f.BoolVar(&noWatch, "no-watch", false, "do not reload the config file when it changes")
	return cmd
}

// runner owns the collector and restarts it when its settings change.
// The hub, metrics and handlers outlive restarts.
type runner struct {
	logger   *log.ZerologAdapter
	hub      *bridge.Hub
	registry *prometheus.Registry
	metrics  *collector.Metrics
	handlers collector.Handlers

	mu     sync.Mutex
	cfg    cliconfig.Config
	server *collector.Server
	ctx    context.Context
}

func newRunner(cfg cliconfig.Config, logger *log.ZerologAdapter) *runner {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := bridge.NewHub(
		bridge.WithLogger(logger.With(log.Component("bridge"))),
		bridge.WithMaxEvents(cfg.MaxEvents),
		bridge.WithOpener(bridge.CommandOpener{Command: cfg.Editor}),
	)
	return &runner{
		logger:   logger,
		hub:      hub,
		registry: reg,
		metrics:  collector.NewMetrics(reg),
		handlers: collector.Handlers{hub},
		cfg:      cfg,
	}
}

// addHandler must be called before run.
func (r *runner) addHandler(h collector.EventHandler) {
	r.handlers = append(r.handlers, h)
}

func (r *runner) newServer(cfg cliconfig.Config) *collector.Server {
	srv := collector.New(cfg.CollectorConfig(),
		collector.WithLogger(r.logger.With(log.Component("collector"))),
		collector.WithEventHandler(r.handlers),
		collector.WithMetrics(r.metrics),
	)
	srv.Handle(UIPath, r.hub)
	if cfg.Metrics {
		srv.Handle(MetricsPath, promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	}
	r.hub.Attach(srv)
	return srv
}

// run starts the collector and blocks until ctx is done.
func (r *runner) run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	srv := r.newServer(r.cfg)
	r.server = srv
	r.mu.Unlock()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start collector: %w", err)
	}
	r.logger.Info("collector listening",
		log.String("addr", srv.Addr()),
		log.String("ui", "ws://"+srv.Addr()+UIPath))

	<-ctx.Done()

	// Start also stops the collector on ctx; whichever runs second gets
	// ErrNotRunning.
	r.mu.Lock()
	srv = r.server
	r.mu.Unlock()
	if err := srv.Stop(); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		r.logger.Warn("collector stop", log.Err(err))
	}
	r.hub.Close()
	return nil
}

// apply switches to next. maxEvents is pushed to UIs; listener settings
// restart the collector.
func (r *runner) apply(next cliconfig.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.cfg
	r.cfg = next
	r.hub.SetMaxEvents(next.MaxEvents)
	if prev.Tail != next.Tail || prev.Editor != next.Editor || prev.LogLevel != next.LogLevel {
		r.logger.Warn("tail, editor and log level changes take effect after restart")
	}
	if !prev.ServerChanged(next) && prev.Metrics == next.Metrics {
		return nil
	}
	if r.ctx == nil || r.ctx.Err() != nil {
		return nil
	}

	r.logger.Info("collector settings changed, restarting")
	if r.server != nil {
		if err := r.server.Stop(); err != nil && !errors.Is(err, domain.ErrNotRunning) {
			r.logger.Warn("collector stop", log.Err(err))
		}
	}
	srv := r.newServer(next)
	r.server = srv
	if err := srv.Start(r.ctx); err != nil {
		return fmt.Errorf("restart collector: %w", err)
	}
	r.logger.Info("collector listening", log.String("addr", srv.Addr()))
	return nil
}

func (r *runner) current() *collector.Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server
}

func watchConfig(ctx context.Context, s *settings, r *runner, logger *log.ZerologAdapter) error {
	if _, err := os.Stat(filepath.Dir(s.cfgPath)); err != nil {
		logger.Debug("config directory missing, not watching", log.String("path", s.cfgPath))
		return nil
	}

	w := watch.New(s.cfgPath, func() {
		next, err := s.reload()
		if err != nil {
			logger.Error("config reload failed, keeping current settings", log.Err(err))
			return
		}
		if err := r.apply(next); err != nil {
			logger.Error("config reload", log.Err(err))
		}
	}, watch.WithLogger(logger.With(log.Component("watch"))))
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", log.Err(err))
		return nil
	}
	<-ctx.Done()
	w.Stop()
	return nil
}
