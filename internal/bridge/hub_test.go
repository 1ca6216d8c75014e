package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/bft-labs/devrelay/internal/collector"
	"github.com/bft-labs/devrelay/internal/domain"
	"github.com/bft-labs/devrelay/pkg/transport"
)

type fakeStatus struct {
	mu      sync.Mutex
	running bool
	port    int
	clients int
}

func (f *fakeStatus) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeStatus) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

func (f *fakeStatus) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients
}

func (f *fakeStatus) setClients(n int) {
	f.mu.Lock()
	f.clients = n
	f.mu.Unlock()
}

type fakeClipboard struct {
	mu     sync.Mutex
	copied []string
}

func (f *fakeClipboard) Copy(text string) error {
	f.mu.Lock()
	f.copied = append(f.copied, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeClipboard) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.copied...)
}

type fakeOpener struct {
	opened chan OpenFile
}

func (f *fakeOpener) Open(_ context.Context, file OpenFile) error {
	f.opened <- file
	return nil
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startHub(t *testing.T, opts ...Option) (*Hub, *fakeStatus, *httptest.Server) {
	t.Helper()
	status := &fakeStatus{running: true, port: 9090}
	hub := NewHub(opts...)
	hub.Attach(status)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, status, srv
}

func dialUI(t *testing.T, hub *Hub, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	want := hub.UICount() + 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	waitFor(t, func() bool { return hub.UICount() == want })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg received
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ReadyReplaysStatus(t *testing.T) {
	hub, status, srv := startHub(t, WithMaxEvents(250))
	status.setClients(2)
	conn := dialUI(t, hub, srv)

	sendCommand(t, conn, Inbound{Type: CmdReady})

	tests := []struct {
		typ     string
		payload string
	}{
		{TypeServerStatus, `{"running":true,"port":9090}`},
		{TypeConnectionStatus, `{"connected":true,"clientCount":2}`},
		{TypeConfig, `{"maxEvents":250}`},
	}
	for _, tt := range tests {
		msg := readMessage(t, conn)
		if msg.Type != tt.typ {
			t.Fatalf("type = %q, want %q", msg.Type, tt.typ)
		}
		if string(msg.Payload) != tt.payload {
			t.Errorf("%s payload = %s, want %s", tt.typ, msg.Payload, tt.payload)
		}
	}
}

func TestHub_ReadyWithoutCollector(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	conn := dialUI(t, hub, srv)

	sendCommand(t, conn, Inbound{Type: CmdReady})

	if msg := readMessage(t, conn); string(msg.Payload) != `{"running":false,"port":0}` {
		t.Errorf("server-status = %s", msg.Payload)
	}
	if msg := readMessage(t, conn); string(msg.Payload) != `{"connected":false,"clientCount":0}` {
		t.Errorf("connection-status = %s", msg.Payload)
	}
	if msg := readMessage(t, conn); string(msg.Payload) != `{"maxEvents":1000}` {
		t.Errorf("config = %s", msg.Payload)
	}
}

func TestHub_ForwardsEventsUnmodified(t *testing.T) {
	hub, _, srv := startHub(t)
	a := dialUI(t, hub, srv)
	b := dialUI(t, hub, srv)

	hub.OnMessage(collector.Message{
		ID:        "m1",
		Type:      transport.TypeConsole,
		Timestamp: 1700000000000,
		Payload:   json.RawMessage(`{"method":"log","args":["hi"]}`),
		ClientID:  "client_1",
	})

	want := `{"id":"m1","type":"console","timestamp":1700000000000,"payload":{"method":"log","args":["hi"]},"clientId":"client_1"}`
	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != TypeEvent {
			t.Fatalf("type = %q, want event", msg.Type)
		}
		if string(msg.Payload) != want {
			t.Errorf("payload = %s, want %s", msg.Payload, want)
		}
	}
}

func TestHub_ConnectionStatus(t *testing.T) {
	hub, status, srv := startHub(t)
	conn := dialUI(t, hub, srv)

	status.setClients(1)
	hub.OnClientConnected("client_1", "127.0.0.1")
	status.setClients(0)
	hub.OnClientDisconnected("client_1")

	if msg := readMessage(t, conn); string(msg.Payload) != `{"connected":true,"clientCount":1}` {
		t.Errorf("after connect = %s", msg.Payload)
	}
	if msg := readMessage(t, conn); string(msg.Payload) != `{"connected":false,"clientCount":0}` {
		t.Errorf("after disconnect = %s", msg.Payload)
	}
}

func TestHub_ServerState(t *testing.T) {
	hub, status, srv := startHub(t)
	conn := dialUI(t, hub, srv)
	status.setClients(3)

	hub.OnServerState(false, 9090)

	msg := readMessage(t, conn)
	if msg.Type != TypeServerStatus || string(msg.Payload) != `{"running":false,"port":9090}` {
		t.Errorf("server-status = %s %s", msg.Type, msg.Payload)
	}
	msg = readMessage(t, conn)
	if msg.Type != TypeConnectionStatus || string(msg.Payload) != `{"connected":false,"clientCount":0}` {
		t.Errorf("connection-status = %s %s", msg.Type, msg.Payload)
	}
}

func TestHub_ClearBroadcasts(t *testing.T) {
	hub, _, srv := startHub(t)
	a := dialUI(t, hub, srv)
	b := dialUI(t, hub, srv)

	sendCommand(t, a, Inbound{Type: CmdClear})

	for _, conn := range []*websocket.Conn{a, b} {
		if msg := readMessage(t, conn); msg.Type != TypeClear {
			t.Errorf("type = %q, want clear", msg.Type)
		}
	}
}

func TestHub_SetMaxEvents(t *testing.T) {
	hub, _, srv := startHub(t)
	conn := dialUI(t, hub, srv)

	hub.SetMaxEvents(0)
	hub.SetMaxEvents(DefaultMaxEvents)
	hub.SetMaxEvents(500)

	msg := readMessage(t, conn)
	if msg.Type != TypeConfig || string(msg.Payload) != `{"maxEvents":500}` {
		t.Errorf("got %s %s, want config {maxEvents:500}", msg.Type, msg.Payload)
	}
	if hub.MaxEvents() != 500 {
		t.Errorf("MaxEvents() = %d, want 500", hub.MaxEvents())
	}
}

func TestHub_CopyAndOpenFile(t *testing.T) {
	clip := &fakeClipboard{}
	opener := &fakeOpener{opened: make(chan OpenFile, 1)}
	hub, _, srv := startHub(t, WithClipboard(clip), WithOpener(opener))
	conn := dialUI(t, hub, srv)

	sendCommand(t, conn, map[string]any{"type": CmdCopy, "payload": "curl -X GET 'http://x'"})
	sendCommand(t, conn, map[string]any{"type": CmdCopy, "payload": ""})
	sendCommand(t, conn, map[string]any{
		"type":    CmdOpenFile,
		"payload": map[string]any{"file": "/src/app.go", "line": 12},
	})

	select {
	case f := <-opener.opened:
		if f != (OpenFile{File: "/src/app.go", Line: 12}) {
			t.Errorf("opened %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("open-file not handled")
	}
	// Commands from one UI are handled in order.
	got := clip.texts()
	if len(got) != 1 || got[0] != "curl -X GET 'http://x'" {
		t.Errorf("copied %q", got)
	}
}

func TestHub_CommandErrors(t *testing.T) {
	hub := NewHub()
	u := &ui{id: "ui_test", send: make(chan []byte, 1)}

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"unknown", `{"type":"reload"}`, domain.ErrUnknownCommand},
		{"malformed", `{`, nil},
		{"bad copy payload", `{"type":"copy","payload":{"a":1}}`, nil},
		{"bad open-file payload", `{"type":"open-file","payload":"x"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hub.command(context.Background(), u, []byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHub_CloseDisconnectsUIs(t *testing.T) {
	hub, _, srv := startHub(t)
	conn := dialUI(t, hub, srv)

	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away (err %v)", got, err)
	}
	if hub.UICount() != 0 {
		t.Errorf("UICount() = %d, want 0", hub.UICount())
	}
	// Broadcasting after Close must not panic on closed channels.
	hub.Clear()
}

func TestCommandOpener_Args(t *testing.T) {
	tests := []struct {
		name    string
		command string
		file    OpenFile
		want    []string
	}{
		{"defaults", "", OpenFile{File: "/a.go"}, []string{"code", "--goto", "/a.go:1:1"}},
		{"position", "", OpenFile{File: "/a.go", Line: 7, Column: 3}, []string{"code", "--goto", "/a.go:7:3"}},
		{"custom", "vim +{line} {file}", OpenFile{File: "/a.go", Line: 9}, []string{"vim", "+9", "/a.go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CommandOpener{Command: tt.command}.Args(tt.file)
			if err != nil {
				t.Fatalf("Args: %v", err)
			}
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("Args = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := (CommandOpener{}).Args(OpenFile{}); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := (CommandOpener{Command: "   "}).Args(OpenFile{File: "/a.go"}); err == nil {
		t.Error("expected error for blank command")
	}
}

func TestCommandOpener_Open(t *testing.T) {
	var gotName string
	var gotArgs []string
	o := CommandOpener{run: func(_ context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	}}
	if err := o.Open(context.Background(), OpenFile{File: "/a.go", Line: 2, Column: 5}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotName != "code" || strings.Join(gotArgs, " ") != "--goto /a.go:2:5" {
		t.Errorf("ran %s %q", gotName, gotArgs)
	}

	boom := errors.New("not found")
	o.run = func(context.Context, string, ...string) error { return boom }
	if err := o.Open(context.Background(), OpenFile{File: "/a.go"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestOSC52Clipboard(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))
	tests := []struct {
		name     string
		env      map[string]string
		wantTmux bool
	}{
		{"plain", map[string]string{"TERM": "xterm-256color"}, false},
		{"tmux env", map[string]string{"TMUX": "/tmp/tmux-1/default", "TERM": "xterm"}, true},
		{"tmux term", map[string]string{"TERM": "tmux-256color"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := OSC52Clipboard{Out: &buf, Getenv: func(k string) string { return tt.env[k] }}
			if err := c.Copy("hello"); err != nil {
				t.Fatalf("Copy: %v", err)
			}
			out := buf.String()
			if !strings.Contains(out, "\x1b]52;c;"+encoded) {
				t.Errorf("output %q lacks OSC 52 sequence", out)
			}
			if got := strings.Contains(out, "\x1bPtmux;"); got != tt.wantTmux {
				t.Errorf("tmux passthrough = %v, want %v", got, tt.wantTmux)
			}
		})
	}
}
