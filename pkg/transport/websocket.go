package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// Dialer opens connections to the collector. A Transport built without a
// Dialer is disabled.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one established connection.
type Conn interface {
	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error

	// Done is closed once the connection is closed by either side.
	Done() <-chan struct{}

	// Close closes the connection normally.
	Close() error
}

// handshakeClient performs opening handshakes. It holds the default
// transport as it was at startup, so an interceptor installed into
// http.DefaultTransport later never sees the relay's own connection.
var handshakeClient = &http.Client{Transport: http.DefaultTransport}

// WebSocketDialer dials the collector over nhooyr.io/websocket.
type WebSocketDialer struct {
	// Header is sent with the opening handshake.
	Header http.Header

	// HTTPClient overrides the client used for the handshake. Its
	// Timeout must be zero.
	HTTPClient *http.Client

	// ReadLimit bounds incoming frames. The collector never sends data
	// frames, so the default is small.
	ReadLimit int64

	// PingInterval enables a keepalive ping loop when positive.
	PingInterval time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	client := d.HTTPClient
	if client == nil {
		client = handshakeClient
	}
	opts := &websocket.DialOptions{HTTPHeader: d.Header, HTTPClient: client}
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 64 << 10
	}
	c.SetReadLimit(limit)

	// CloseRead discards incoming data frames and cancels the returned
	// context once the peer closes or the connection breaks.
	ctx, cancel := context.WithCancel(context.Background())
	readCtx := c.CloseRead(ctx)

	wc := &wsConn{conn: c, done: readCtx.Done(), cancel: cancel}
	if d.PingInterval > 0 {
		go wc.pingLoop(readCtx, d.PingInterval)
	}
	return wc, nil
}

type wsConn struct {
	conn   *websocket.Conn
	done   <-chan struct{}
	cancel context.CancelFunc
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Close() error {
	defer c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) pingLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}
