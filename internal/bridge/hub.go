// Package bridge republishes collector events to UI websockets and
// carries out the commands UIs send back.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/bft-labs/devrelay/internal/collector"
	"github.com/bft-labs/devrelay/internal/domain"
	"github.com/bft-labs/devrelay/pkg/log"
)

// Defaults.
const (
	DefaultMaxEvents  = 1000
	DefaultBufferSize = 256
	writeTimeout      = 5 * time.Second
)

// StatusSource reports collector status. *collector.Server satisfies it.
type StatusSource interface {
	Running() bool
	Port() int
	ClientCount() int
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(h *Hub) { h.logger = log.OrNoop(l) }
}

// WithClipboard sets the copy command target.
func WithClipboard(c Clipboard) Option {
	return func(h *Hub) {
		if c != nil {
			h.clipboard = c
		}
	}
}

// WithOpener sets the open-file command target.
func WithOpener(o Opener) Option {
	return func(h *Hub) {
		if o != nil {
			h.opener = o
		}
	}
}

// WithMaxEvents sets the initial maxEvents pushed to UIs.
func WithMaxEvents(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxEvents = n
		}
	}
}

// WithBufferSize sets how many messages may wait for a slow UI before
// further messages to it are dropped.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithOriginPatterns sets the origins accepted for UI websockets.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.originPatterns = patterns }
}

type ui struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub is a collector.EventHandler that serves UI websockets. It is safe
// for concurrent use.
type Hub struct {
	logger         log.Logger
	clipboard      Clipboard
	opener         Opener
	bufferSize     int
	originPatterns []string

	mu        sync.Mutex
	status    StatusSource
	uis       map[string]*ui
	maxEvents int
	closed    bool
}

var _ collector.EventHandler = (*Hub)(nil)

// NewHub creates a Hub. Attach a StatusSource before serving UIs.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:     log.NoopLogger{},
		clipboard:  OSC52Clipboard{Out: os.Stderr},
		opener:     CommandOpener{},
		bufferSize: DefaultBufferSize,
		uis:        make(map[string]*ui),
		maxEvents:  DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach sets the collector whose status is replayed to UIs.
func (h *Hub) Attach(s StatusSource) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// MaxEvents returns the maxEvents value UIs are configured with.
func (h *Hub) MaxEvents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxEvents
}

// SetMaxEvents changes maxEvents and pushes the new config to every UI.
func (h *Hub) SetMaxEvents(n int) {
	if n <= 0 {
		return
	}
	h.mu.Lock()
	changed := h.maxEvents != n
	h.maxEvents = n
	h.mu.Unlock()
	if changed {
		h.broadcast(Outbound{Type: TypeConfig, Payload: UIConfig{MaxEvents: n}})
	}
}

// Clear tells every UI to drop its events.
func (h *Hub) Clear() {
	h.broadcast(Outbound{Type: TypeClear})
}

// UICount returns the number of connected UIs.
func (h *Hub) UICount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.uis)
}

// Close disconnects every UI. Later UI connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	uis := h.uis
	h.uis = make(map[string]*ui)
	h.mu.Unlock()

	for _, u := range uis {
		close(u.send)
		_ = u.conn.Close(websocket.StatusGoingAway, collector.ReasonShuttingDown)
	}
}

// OnClientConnected implements collector.EventHandler.
func (h *Hub) OnClientConnected(clientID, ip string) {
	h.broadcast(Outbound{Type: TypeConnectionStatus, Payload: h.connectionStatus()})
}

// OnClientDisconnected implements collector.EventHandler.
func (h *Hub) OnClientDisconnected(clientID string) {
	h.broadcast(Outbound{Type: TypeConnectionStatus, Payload: h.connectionStatus()})
}

// OnMessage implements collector.EventHandler. The message is forwarded
// as received.
func (h *Hub) OnMessage(msg collector.Message) {
	h.broadcast(Outbound{Type: TypeEvent, Payload: msg})
}

// OnError implements collector.EventHandler.
func (h *Hub) OnError(clientID, message string) {
	h.logger.Warn("collector error", log.ClientID(clientID), log.String("error", message))
}

// OnServerState implements collector.EventHandler.
func (h *Hub) OnServerState(running bool, port int) {
	h.broadcast(Outbound{Type: TypeServerStatus, Payload: ServerStatus{Running: running, Port: port}})
	conn := ConnectionStatus{}
	if running {
		conn = h.connectionStatus()
	}
	h.broadcast(Outbound{Type: TypeConnectionStatus, Payload: conn})
}

func (h *Hub) serverStatus() ServerStatus {
	h.mu.Lock()
	s := h.status
	h.mu.Unlock()
	if s == nil {
		return ServerStatus{}
	}
	return ServerStatus{Running: s.Running(), Port: s.Port()}
}

func (h *Hub) connectionStatus() ConnectionStatus {
	h.mu.Lock()
	s := h.status
	h.mu.Unlock()
	if s == nil {
		return ConnectionStatus{}
	}
	n := s.ClientCount()
	return ConnectionStatus{Connected: n > 0, ClientCount: n}
}

// ServeHTTP upgrades a UI connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("ui handshake failed", log.Err(err))
		return
	}
	u := &ui{
		id:   "ui_" + uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.bufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, collector.ReasonShuttingDown)
		return
	}
	h.uis[u.id] = u
	h.mu.Unlock()

	h.logger.Debug("ui connected", log.String("ui_id", u.id))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.write(ctx, u)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if err := h.command(ctx, u, data); err != nil {
			h.logger.Warn("ui command failed", log.String("ui_id", u.id), log.Err(err))
		}
	}

	if h.remove(u) {
		close(u.send)
	}
	_ = conn.CloseNow()
	h.logger.Debug("ui disconnected", log.String("ui_id", u.id))
}

func (h *Hub) write(ctx context.Context, u *ui) {
	for data := range u.send {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := u.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("ui write failed", log.String("ui_id", u.id), log.Err(err))
			_ = u.conn.CloseNow()
			// Drain so senders never block on a dead UI.
			for range u.send {
			}
			return
		}
	}
}

func (h *Hub) remove(u *ui) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.uis[u.id]; !ok {
		return false
	}
	delete(h.uis, u.id)
	return true
}

func (h *Hub) command(ctx context.Context, u *ui, data []byte) error {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode ui command: %w", err)
	}

	switch in.Type {
	case CmdReady:
		h.sendTo(u, Outbound{Type: TypeServerStatus, Payload: h.serverStatus()})
		h.sendTo(u, Outbound{Type: TypeConnectionStatus, Payload: h.connectionStatus()})
		h.sendTo(u, Outbound{Type: TypeConfig, Payload: UIConfig{MaxEvents: h.MaxEvents()}})
		return nil

	case CmdClear:
		h.Clear()
		return nil

	case CmdCopy:
		var text string
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &text); err != nil {
				return fmt.Errorf("decode copy payload: %w", err)
			}
		}
		if text == "" {
			return nil
		}
		return h.clipboard.Copy(text)

	case CmdOpenFile:
		var f OpenFile
		if err := json.Unmarshal(in.Payload, &f); err != nil {
			return fmt.Errorf("decode open-file payload: %w", err)
		}
		return h.opener.Open(ctx, f)

	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownCommand, in.Type)
	}
}

func (h *Hub) broadcast(out Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		h.logger.Error("encode ui message", log.String("type", out.Type), log.Err(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.uis {
		h.enqueue(u, data)
	}
}

func (h *Hub) sendTo(u *ui, out Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		h.logger.Error("encode ui message", log.String("type", out.Type), log.Err(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.uis[u.id]; ok {
		h.enqueue(u, data)
	}
}

// enqueue must be called with h.mu held, which keeps u.send open.
func (h *Hub) enqueue(u *ui, data []byte) {
	select {
	case u.send <- data:
	default:
		h.logger.Debug("ui buffer full, message dropped", log.String("ui_id", u.id))
	}
}
