// Package collector accepts relay client connections and turns what they
// send into events.
//
// The collector keeps a registry of connected clients, enforces a
// connection cap, drops clients that stop answering heartbeat pings and
// reports everything through an EventHandler. The UI bridge and the
// terminal printer are EventHandlers; extra HTTP handlers (the bridge's
// /ui endpoint, /metrics) are mounted on the same listener with Handle.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/bft-labs/devrelay/internal/app"
	"github.com/bft-labs/devrelay/internal/clock"
	"github.com/bft-labs/devrelay/internal/domain"
	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/transport"
)

// Close reasons sent to clients.
const (
	ReasonShuttingDown = "Server shutting down"
	ReasonFull         = "Max connections reached"
)

// InvalidJSONMessage is the OnError message for frames that are not a
// JSON envelope.
const InvalidJSONMessage = "Invalid JSON message"

// Config holds the collector settings.
type Config struct {
	Host string
	// Port 0 picks a free port; Port() reports it after Start.
	Port int

	// MaxConnections caps simultaneous clients. Excess connections are
	// closed with a policy violation.
	MaxConnections int

	HeartbeatInterval time.Duration

	// ReadLimit bounds one incoming frame.
	ReadLimit int64

	// OriginPatterns are host patterns accepted for browser clients.
	OriginPatterns []string
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              9090,
		MaxConnections:    10,
		HeartbeatInterval: 30 * time.Second,
		ReadLimit:         16 << 20,
		OriginPatterns:    []string{"*"},
	}
}

// Validate checks the Config.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrInvalidConfig, c.Port)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max connections must be positive", domain.ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", domain.ErrInvalidConfig)
	}
	return nil
}

// Address returns host:port to listen on.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = log.OrNoop(l) }
}

// WithEventHandler sets the handler that receives collector events.
func WithEventHandler(h EventHandler) Option {
	return func(s *Server) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithMetrics sets the Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock sets the clock driving heartbeats and client timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

type client struct {
	info   domain.ClientInfo
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	// alive is cleared before each ping and set when it is answered.
	alive bool
}

// Server is the collector. It is safe for concurrent use.
type Server struct {
	cfg       Config
	logger    log.Logger
	handler   EventHandler
	metrics   *Metrics
	clock     clock.Clock
	lifecycle *app.Lifecycle
	mux       *http.ServeMux

	mu           sync.Mutex
	httpSrv      *http.Server
	port         int
	clients      map[string]*client
	heartbeat    clock.Timer
	stopOnCancel func() bool
}

// New creates a Server. Call Start to listen.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  log.NoopLogger{},
		handler: BaseEventHandler{},
		clock:   clock.Real(),
		mux:     http.NewServeMux(),
		port:    cfg.Port,
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.lifecycle = app.New(s.logger, s.observePhase)
	s.mux.HandleFunc("/", s.accept)
	return s
}

// Handle mounts an extra HTTP handler on the collector's listener.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start binds the listener and returns once it accepts connections.
// Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.lifecycle.Begin("start requested"); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		err = fmt.Errorf("collector listen %s: %w", s.cfg.Address(), err)
		s.metrics.ErrorsTotal.WithLabelValues("server").Inc()
		s.handler.OnError("", err.Error())
		_ = s.lifecycle.Move(app.PhaseCrashed, err.Error())
		return err
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval, s.tick)
	s.stopOnCancel = context.AfterFunc(ctx, func() { _ = s.Stop() })
	s.mu.Unlock()

	// Connections queue in the listen backlog until Serve runs, so the
	// collector is running as soon as the port is bound.
	if err := s.lifecycle.Move(app.PhaseRunning, "listening"); err != nil {
		ln.Close()
		return err
	}
	s.logger.Info("collector listening", log.String("addr", ln.Addr().String()))

	s.lifecycle.Go(func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("collector serve failed", log.Err(err))
			s.metrics.ErrorsTotal.WithLabelValues("server").Inc()
			s.handler.OnError("", err.Error())
			_ = s.lifecycle.Move(app.PhaseCrashed, err.Error())
		}
	})
	return nil
}

// Stop closes every client with 1001 (going away), clears the registry
// and closes the listener.
func (s *Server) Stop() error {
	if err := s.lifecycle.End("stop requested"); err != nil {
		return err
	}

	s.mu.Lock()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	if s.stopOnCancel != nil {
		s.stopOnCancel()
		s.stopOnCancel = nil
	}
	clients := s.clients
	s.clients = make(map[string]*client)
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	s.metrics.ConnectedClients.Set(0)
	for _, c := range clients {
		s.lifecycle.Go(func() {
			_ = c.conn.Close(websocket.StatusGoingAway, ReasonShuttingDown)
			c.cancel()
		})
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("collector shutdown", log.Err(err))
		}
		cancel()
	}
	if err := s.lifecycle.Drain(app.ShutdownTimeout); err != nil {
		for _, c := range clients {
			_ = c.conn.CloseNow()
		}
	}

	s.logger.Info("collector stopped", log.Int("clients_closed", len(clients)))
	return s.lifecycle.Move(app.PhaseStopped, "stopped")
}

// Running reports whether the collector accepts connections.
func (s *Server) Running() bool { return s.lifecycle.Phase().Running() }

// Phase returns the lifecycle phase.
func (s *Server) Phase() app.Phase { return s.lifecycle.Phase() }

// Port returns the bound port, or the configured one before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Addr returns host:port of the listener.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.Port()))
}

// Config returns the collector settings.
func (s *Server) Config() Config { return s.cfg }

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Clients returns the connected clients ordered by connection time.
func (s *Server) Clients() []domain.ClientInfo {
	s.mu.Lock()
	out := make([]domain.ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.info.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// SendToClient writes v as JSON to one client. It reports whether the
// client exists and the write succeeded.
func (s *Server) SendToClient(ctx context.Context, clientID string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return c.conn.Write(ctx, websocket.MessageText, data) == nil
}

// Broadcast writes v as JSON to every client and returns how many writes
// succeeded.
func (s *Server) Broadcast(ctx context.Context, v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("broadcast: %w", err)
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()

	sent := 0
	for _, conn := range conns {
		if conn.Write(ctx, websocket.MessageText, data) == nil {
			sent++
		}
	}
	return sent, nil
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug("collector handshake failed", log.Err(err))
		return
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	now := s.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		info: domain.ClientInfo{
			ID:          "client_" + uuid.NewString(),
			IP:          ip,
			ConnectedAt: now,
			LastSeenAt:  now,
			Counts:      make(map[string]int),
		},
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		alive:  true,
	}

	s.mu.Lock()
	if !s.lifecycle.Phase().Running() || s.httpSrv == nil {
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, ReasonShuttingDown)
		return
	}
	if len(s.clients) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		cancel()
		s.metrics.RejectedTotal.Inc()
		s.logger.Warn("collector full, connection refused",
			log.String("ip", ip),
			log.Int("max_connections", s.cfg.MaxConnections))
		_ = conn.Close(websocket.StatusPolicyViolation, ReasonFull)
		return
	}
	s.clients[c.info.ID] = c
	count := len(s.clients)
	s.mu.Unlock()

	s.metrics.ConnectedClients.Set(float64(count))
	s.logger.Info("client connected", log.ClientID(c.info.ID), log.String("ip", ip))
	s.handler.OnClientConnected(c.info.ID, ip)

	s.lifecycle.Go(func() { s.read(c) })
}

func (s *Server) read(c *client) {
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if s.remove(c) {
				if status := websocket.CloseStatus(err); status == -1 {
					s.metrics.ErrorsTotal.WithLabelValues("connection").Inc()
					s.handler.OnError(c.info.ID, err.Error())
				}
				_ = c.conn.CloseNow()
				s.logger.Info("client disconnected", log.ClientID(c.info.ID))
				s.handler.OnClientDisconnected(c.info.ID)
			}
			return
		}
		s.receive(c, data)
	}
}

func (s *Server) receive(c *client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.ErrorsTotal.WithLabelValues("invalid_json").Inc()
		s.logger.Debug("invalid frame", log.ClientID(c.info.ID), log.Err(err))
		s.handler.OnError(c.info.ID, InvalidJSONMessage)
		return
	}
	msg.ClientID = c.info.ID

	s.mu.Lock()
	c.info.LastSeenAt = s.clock.Now()
	c.info.Counts[string(msg.Type)]++
	if msg.Type == transport.TypeConnection {
		var hello transport.ConnectionPayload
		if json.Unmarshal(msg.Payload, &hello) == nil {
			c.info.AppName = hello.AppName
			c.info.Platform = hello.Platform
		}
	}
	s.mu.Unlock()

	s.metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	s.handler.OnMessage(msg)
}

// remove deletes c from the registry and reports whether it was there.
func (s *Server) remove(c *client) bool {
	s.mu.Lock()
	cur, ok := s.clients[c.info.ID]
	if ok && cur == c {
		delete(s.clients, c.info.ID)
	}
	count := len(s.clients)
	s.mu.Unlock()

	if !ok || cur != c {
		return false
	}
	s.metrics.ConnectedClients.Set(float64(count))
	return true
}

// tick runs one heartbeat round: clients that did not answer the previous
// ping are terminated, the rest are pinged again.
func (s *Server) tick() {
	s.mu.Lock()
	if s.heartbeat == nil {
		s.mu.Unlock()
		return
	}
	var dead, live []*client
	for id, c := range s.clients {
		if !c.alive {
			delete(s.clients, id)
			dead = append(dead, c)
			continue
		}
		c.alive = false
		live = append(live, c)
	}
	count := len(s.clients)
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval, s.tick)
	s.mu.Unlock()

	if len(dead) > 0 {
		s.metrics.ConnectedClients.Set(float64(count))
	}
	for _, c := range dead {
		c.cancel()
		_ = c.conn.CloseNow()
		s.metrics.HeartbeatTerminationsTotal.Inc()
		s.logger.Info("client missed heartbeat", log.ClientID(c.info.ID))
		s.handler.OnClientDisconnected(c.info.ID)
	}
	for _, c := range live {
		go s.ping(c)
	}
}

func (s *Server) ping(c *client) {
	ctx, cancel := context.WithTimeout(c.ctx, s.cfg.HeartbeatInterval)
	defer cancel()
	if err := c.conn.Ping(ctx); err != nil {
		return
	}
	s.mu.Lock()
	c.alive = true
	s.mu.Unlock()
	s.metrics.HeartbeatPongsTotal.Inc()
}
