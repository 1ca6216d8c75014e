package collector

import (
	"encoding/json"

	"github.com/bft-labs/devrelay/internal/app"
	"github.com/bft-labs/devrelay/pkg/transport"
)

// Message is one envelope received from a client. Payload is kept as
// received so it can be forwarded unmodified.
type Message struct {
	ID        string                `json:"id"`
	Type      transport.MessageType `json:"type"`
	Timestamp int64                 `json:"timestamp"`
	Meta      *transport.Meta       `json:"meta,omitempty"`
	Payload   json.RawMessage       `json:"payload"`
	ClientID  string                `json:"clientId"`
}

// EventHandler receives collector events. Methods are called
// synchronously from the goroutine that observed the event: a client's
// reader for messages and errors, the heartbeat for terminations.
// Embed BaseEventHandler to implement only some of them.
type EventHandler interface {
	OnClientConnected(clientID, ip string)
	OnClientDisconnected(clientID string)
	OnMessage(msg Message)
	OnError(clientID, message string)
	OnServerState(running bool, port int)
}

// BaseEventHandler implements EventHandler with no-ops.
type BaseEventHandler struct{}

func (BaseEventHandler) OnClientConnected(clientID, ip string) {}
func (BaseEventHandler) OnClientDisconnected(clientID string)  {}
func (BaseEventHandler) OnMessage(msg Message)                 {}
func (BaseEventHandler) OnError(clientID, message string)      {}
func (BaseEventHandler) OnServerState(running bool, port int)  {}

// Handlers fans every event out to each handler in order.
type Handlers []EventHandler

func (hs Handlers) OnClientConnected(clientID, ip string) {
	for _, h := range hs {
		h.OnClientConnected(clientID, ip)
	}
}

func (hs Handlers) OnClientDisconnected(clientID string) {
	for _, h := range hs {
		h.OnClientDisconnected(clientID)
	}
}

func (hs Handlers) OnMessage(msg Message) {
	for _, h := range hs {
		h.OnMessage(msg)
	}
}

func (hs Handlers) OnError(clientID, message string) {
	for _, h := range hs {
		h.OnError(clientID, message)
	}
}

func (hs Handlers) OnServerState(running bool, port int) {
	for _, h := range hs {
		h.OnServerState(running, port)
	}
}

// observePhase turns lifecycle moves into OnServerState events.
func (s *Server) observePhase(from, to app.Phase, _ string) {
	switch to {
	case app.PhaseRunning:
		s.handler.OnServerState(true, s.Port())
	case app.PhaseStopped:
		s.handler.OnServerState(false, s.Port())
	case app.PhaseCrashed:
		// A failed bind never reported running.
		if from != app.PhaseStarting {
			s.handler.OnServerState(false, s.Port())
		}
	}
}
