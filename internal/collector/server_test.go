package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/bft-labs/devrelay/internal/app"
	"github.com/bft-labs/devrelay/internal/clock"
	"github.com/bft-labs/devrelay/internal/domain"
	"github.com/bft-labs/devrelay/pkg/transport"
)

// recordingHandler keeps every collector event as a line of text.
type recordingHandler struct {
	mu       sync.Mutex
	events   []string
	messages []Message
}

func (h *recordingHandler) add(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) OnClientConnected(clientID, ip string) {
	h.add("connected " + clientID + " " + ip)
}

func (h *recordingHandler) OnClientDisconnected(clientID string) {
	h.add("disconnected " + clientID)
}

func (h *recordingHandler) OnMessage(msg Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	h.add("message " + string(msg.Type) + " " + msg.ClientID)
}

func (h *recordingHandler) OnError(clientID, message string) {
	h.add("error " + clientID + " " + message)
}

func (h *recordingHandler) OnServerState(running bool, port int) {
	h.add(fmt.Sprintf("server %v %d", running, port))
}

func (h *recordingHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *recordingHandler) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.messages...)
}

// waitEvent waits for an event starting with prefix and returns it.
func (h *recordingHandler) waitEvent(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range h.Events() {
			if strings.HasPrefix(ev, prefix) {
				return ev
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no event %q in %v", prefix, h.Events())
	return ""
}

func (h *recordingHandler) count(prefix string) int {
	n := 0
	for _, ev := range h.Events() {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	return cfg
}

func startServer(t *testing.T, cfg Config, opts ...Option) (*Server, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	s := New(cfg, append([]Option{WithEventHandler(h)}, opts...)...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, h
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readClose reads until the collector closes conn and returns the status.
func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"any port", func(c *Config) { c.Port = 0 }, false},
		{"negative port", func(c *Config) { c.Port = -1 }, true},
		{"port too large", func(c *Config) { c.Port = 70000 }, true},
		{"no connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"no heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestServer_StartStop(t *testing.T) {
	h := &recordingHandler{}
	s := New(testConfig(), WithEventHandler(h))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.Running() || s.Port() == 0 {
		t.Fatalf("running = %v, port = %d", s.Running(), s.Port())
	}
	if err := s.Start(context.Background()); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	port := s.Port()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.Phase() != app.PhaseStopped {
		t.Errorf("state = %v, want Stopped", s.Phase())
	}
	if err := s.Stop(); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("second Stop() error = %v, want ErrNotRunning", err)
	}

	want := []string{fmt.Sprintf("server true %d", port), fmt.Sprintf("server false %d", port)}
	if got := h.Events(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestServer_StartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	h := &recordingHandler{}
	s := New(cfg, WithEventHandler(h))

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() on a bound port succeeded")
	}
	if s.Phase() != app.PhaseCrashed {
		t.Errorf("state = %v, want Crashed", s.Phase())
	}
	events := h.Events()
	if len(events) != 1 || !strings.HasPrefix(events[0], "error  collector listen") {
		t.Errorf("events = %v, want one server error", events)
	}
}

func TestServer_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	waitFor(t, "stop after cancel", func() bool { return s.Phase() == app.PhaseStopped })
}

func TestServer_ReceivesMessages(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, h := startServer(t, testConfig(), WithMetrics(NewMetrics(reg)))
	conn := dial(t, s)

	connected := h.waitEvent(t, "connected ")
	fields := strings.Fields(connected)
	id, ip := fields[1], fields[2]
	if !strings.HasPrefix(id, "client_") || ip != "127.0.0.1" {
		t.Errorf("connected event = %q", connected)
	}

	write(t, conn, `{"id":"1","type":"connection","timestamp":1,"meta":{"sessionId":"s1"},"payload":{"status":"connected","appName":"shop","platform":"go/linux/amd64"}}`)
	write(t, conn, `{"id":"2","type":"console","timestamp":2,"meta":{"sessionId":"s1","appName":"shop"},"payload":{"method":"log","args":["hi"]}}`)
	waitFor(t, "two messages", func() bool { return len(h.Messages()) == 2 })

	msgs := h.Messages()
	if msgs[1].ClientID != id || msgs[1].Type != transport.TypeConsole || msgs[1].Meta.SessionID != "s1" {
		t.Errorf("message = %+v", msgs[1])
	}
	if string(msgs[1].Payload) != `{"method":"log","args":["hi"]}` {
		t.Errorf("payload = %s, want it unmodified", msgs[1].Payload)
	}

	clients := s.Clients()
	if len(clients) != 1 {
		t.Fatalf("clients = %+v", clients)
	}
	c := clients[0]
	if c.ID != id || c.AppName != "shop" || c.Platform != "go/linux/amd64" || c.Total() != 2 || c.Counts["console"] != 1 {
		t.Errorf("client info = %+v", c)
	}

	if got := metricValue(t, reg, "devrelay_collector_messages_total", "type", "console"); got != 1 {
		t.Errorf("console messages metric = %v", got)
	}
	if got := metricValue(t, reg, "devrelay_collector_connected_clients"); got != 1 {
		t.Errorf("connected clients metric = %v", got)
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	s, h := startServer(t, testConfig())
	conn := dial(t, s)
	id := strings.Fields(h.waitEvent(t, "connected "))[1]

	write(t, conn, `{not json`)
	write(t, conn, `42`)
	waitFor(t, "two errors", func() bool { return h.count("error ") == 2 })

	if ev := h.waitEvent(t, "error "); ev != "error "+id+" "+InvalidJSONMessage {
		t.Errorf("error event = %q", ev)
	}
	if s.ClientCount() != 1 {
		t.Error("client dropped after an invalid frame")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.MaxConnections = 1
	s, h := startServer(t, cfg, WithMetrics(NewMetrics(reg)))

	dial(t, s)
	h.waitEvent(t, "connected ")

	second := dial(t, s)
	if status := readClose(t, second); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", status)
	}
	if s.ClientCount() != 1 || h.count("connected ") != 1 {
		t.Errorf("clients = %d, connected events = %d", s.ClientCount(), h.count("connected "))
	}
	if got := metricValue(t, reg, "devrelay_collector_rejected_connections_total"); got != 1 {
		t.Errorf("rejected metric = %v", got)
	}
}

func TestServer_ClientDisconnect(t *testing.T) {
	s, h := startServer(t, testConfig())
	conn := dial(t, s)
	id := strings.Fields(h.waitEvent(t, "connected "))[1]

	conn.Close(websocket.StatusNormalClosure, "bye")

	if ev := h.waitEvent(t, "disconnected "); ev != "disconnected "+id {
		t.Errorf("event = %q", ev)
	}
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after disconnect", s.ClientCount())
	}
}

func TestServer_StopClosesClientsGoingAway(t *testing.T) {
	h := &recordingHandler{}
	s := New(testConfig(), WithEventHandler(h))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, s)
	h.waitEvent(t, "connected ")

	status := make(chan websocket.StatusCode, 1)
	go func() { status <- readClose(t, conn) }()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := <-status; got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", got)
	}
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after Stop", s.ClientCount())
	}
	if h.count("disconnected ") != 0 {
		t.Errorf("Stop reported per-client disconnects: %v", h.Events())
	}
}

func TestServer_HeartbeatTerminatesSilentClients(t *testing.T) {
	reg := prometheus.NewRegistry()
	fc := clock.Fake(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	s, h := startServer(t, testConfig(), WithClock(fc), WithMetrics(NewMetrics(reg)))
	interval := s.Config().HeartbeatInterval

	// responsive answers pings from its read loop; silent never reads.
	responsive := dial(t, s)
	responsive.CloseRead(context.Background())
	responsiveID := strings.Fields(h.waitEvent(t, "connected "))[1]

	dial(t, s)
	waitFor(t, "second client", func() bool { return s.ClientCount() == 2 })

	fc.Advance(interval)
	waitFor(t, "pong", func() bool {
		return metricValue(t, reg, "devrelay_collector_heartbeat_pongs_total") >= 1
	})

	fc.Advance(interval)
	waitFor(t, "termination", func() bool { return h.count("disconnected ") == 1 })

	if ev := h.waitEvent(t, "disconnected "); ev == "disconnected "+responsiveID {
		t.Error("responsive client was terminated")
	}
	clients := s.Clients()
	if len(clients) != 1 || clients[0].ID != responsiveID {
		t.Errorf("clients = %+v", clients)
	}
	if got := metricValue(t, reg, "devrelay_collector_heartbeat_terminations_total"); got != 1 {
		t.Errorf("terminations metric = %v", got)
	}
}

func TestServer_SendAndBroadcast(t *testing.T) {
	s, h := startServer(t, testConfig())
	conn := dial(t, s)
	id := strings.Fields(h.waitEvent(t, "connected "))[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !s.SendToClient(ctx, id, map[string]string{"hello": "one"}) {
		t.Fatal("SendToClient() = false")
	}
	if s.SendToClient(ctx, "client_missing", "x") {
		t.Error("SendToClient() to an unknown client = true")
	}
	if n, err := s.Broadcast(ctx, map[string]string{"hello": "all"}); err != nil || n != 1 {
		t.Errorf("Broadcast() = %d, %v", n, err)
	}

	for _, want := range []string{`{"hello":"one"}`, `{"hello":"all"}`} {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != want {
			t.Errorf("frame = %s, want %s", data, want)
		}
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(testConfig(), WithMetrics(NewMetrics(reg)))
	s.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "devrelay_collector_connected_clients 0") {
		t.Errorf("metrics body missing gauge:\n%s", body)
	}
}
