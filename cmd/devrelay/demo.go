package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bft-labs/devrelay/pkg/httpreq"
	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/relay"
)

func newDemoCommand(s *settings) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an instrumented app that produces every event type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.resolve(cmd); err != nil {
				return err
			}
			logger := newLogger(s.cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := relay.DefaultConfig()
			cfg.URL = s.cfg.URL
			cfg.AppName = s.cfg.AppName
			cfg.Enabled = true
			client, err := relay.New(cfg, relay.WithLogger(logger.With(log.Component("relay"))))
			if err != nil {
				return err
			}
			defer client.Close()
			client.Install()

			logger.Info("demo started",
				log.String("collector", cfg.URL),
				log.SessionID(client.SessionID()))
			return runDemo(ctx, client, count, interval)
		},
	}

	f := cmd.Flags()
	f.StringVar(&s.cfg.URL, "url", s.cfg.URL, "collector WebSocket URL")
	f.StringVar(&s.cfg.AppName, "app-name", s.cfg.AppName, "application name reported to the collector")
	f.IntVar(&count, "count", 10, "rounds of events to produce (0 runs until interrupted)")
	f.DurationVar(&interval, "interval", time.Second, "pause between rounds")
	return cmd
}

func runDemo(ctx context.Context, client *relay.Client, count int, interval time.Duration) error {
	api, err := startDemoAPI()
	if err != nil {
		return err
	}
	defer api.Close()

	httpClient := client.HTTPClient()
	cart := newCartStore()
	dispatch := client.Middleware(cart)(cart.reduce)
	settings := &settingsStore{state: map[string]any{"theme": "light"}}
	untrack := client.TrackStore(settings, "settings")
	defer untrack()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 1; count <= 0 || round <= count; round++ {
		demoRound(ctx, client, httpClient, api.URL, dispatch, settings, round)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	// Let the last round reach the collector before Close drops the queue.
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
	}
	return nil
}

func demoRound(ctx context.Context, client *relay.Client, hc *http.Client, base string, dispatch func(any) any, settings *settingsStore, round int) {
	done := client.Benchmark("round")
	defer done()

	console := client.Console()
	console.Log("round", round, map[string]any{"at": time.Now()})
	console.Info("cart has", round, "items")
	if round%4 == 0 {
		console.Warn("inventory low", map[string]int{"sku-42": 4 - round%4})
	}
	stdlog.Printf("standard logger line %d", round)
	zlog.Info().Int("round", round).Msg("zerolog line")

	resp, err := hc.Get(base + "/api/items")
	if err == nil {
		_ = resp.Body.Close()
	}
	body := strings.NewReader(fmt.Sprintf(`{"sku":"sku-%d","qty":1}`, round))
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/cart", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer demo-token")
	if resp, err := hc.Do(req); err == nil {
		_ = resp.Body.Close()
	}
	if round%3 == 0 {
		if resp, err := hc.Get(base + "/api/fail"); err == nil {
			_ = resp.Body.Close()
		}
	}

	r := httpreq.New()
	r.Open(http.MethodGet, base+"/api/items?page="+fmt.Sprint(round))
	r.SetRequestHeader("Accept", "application/json")
	_ = r.Send(ctx, nil)

	dispatch(cartAction{Type: "cart/add", SKU: fmt.Sprintf("sku-%d", round)})
	if round%2 == 0 {
		settings.set("theme", map[bool]string{true: "dark", false: "light"}[round%4 == 0])
	}

	client.Log("checkout", map[string]any{"round": round, "total": float64(round) * 9.99})

	if round%5 == 0 {
		guarded(client, func() { panic(fmt.Sprintf("demo panic in round %d", round)) })
		client.Errors().Go(func() error { return errors.New("background sync failed") })
	}
}

// guarded runs fn, reporting and then swallowing its panic.
func guarded(client *relay.Client, fn func()) {
	defer func() { _ = recover() }()
	defer client.Errors().Guard()
	fn()
}

type demoAPI struct {
	URL string
	srv *http.Server
}

func startDemoAPI() (*demoAPI, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("demo api listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{{"sku": "sku-1", "price": 9.99}})
	})
	mux.HandleFunc("/api/cart", func(w http.ResponseWriter, r *http.Request) {
		var item map[string]any
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "item": item})
	})
	mux.HandleFunc("/api/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return &demoAPI{URL: "http://" + ln.Addr().String(), srv: srv}, nil
}

func (a *demoAPI) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}

type cartAction struct {
	Type string `json:"type"`
	SKU  string `json:"sku"`
}

type cartStore struct {
	mu    sync.Mutex
	items []string
}

func newCartStore() *cartStore {
	return &cartStore{items: []string{}}
}

func (c *cartStore) GetState() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{"items": append([]string(nil), c.items...), "count": len(c.items)}
}

func (c *cartStore) reduce(action any) any {
	if a, ok := action.(cartAction); ok && a.Type == "cart/add" {
		c.mu.Lock()
		c.items = append(c.items, a.SKU)
		c.mu.Unlock()
	}
	return action
}

type settingsStore struct {
	mu        sync.Mutex
	state     map[string]any
	listeners map[int]func(any)
	next      int
}

func (s *settingsStore) GetState() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *settingsStore) snapshot() map[string]any {
	out := make(map[string]any, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

func (s *settingsStore) Subscribe(listener func(state any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[int]func(any))
	}
	id := s.next
	s.next++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *settingsStore) set(key string, v any) {
	s.mu.Lock()
	s.state[key] = v
	state := s.snapshot()
	listeners := make([]func(any), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}
