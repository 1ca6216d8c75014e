// Package transport delivers relay envelopes to the collector over a
// persistent WebSocket connection.
//
// A Transport moves between three states:
//
//	Disconnected -> Connecting -> Open -> Disconnected
//
// While not Open, envelopes wait in a bounded queue (oldest dropped first).
// When a connection opens, a connection envelope is written first and the
// queue is then flushed in order. After a close or a failed dial the
// Transport schedules a reconnect with linear backoff and gives up after
// a fixed number of consecutive failures; Reconnect starts over.
//
// Connection problems are logged at debug level and never surface to
// callers of Send.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bft-labs/devrelay/internal/clock"
	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/session"
)

// ErrDisposed is returned by Start after Dispose.
var ErrDisposed = errors.New("transport: disposed")

// DefaultURL is the collector address used when Config.URL is empty.
const DefaultURL = "ws://localhost:9090"

// State is the connection state of a Transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds transport settings. Zero fields take their defaults.
type Config struct {
	URL     string
	AppName string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	ReconnectStep time.Duration
	ReconnectMax  time.Duration
	// MaxReconnectAttempts bounds consecutive reconnects. Negative
	// disables reconnecting.
	MaxReconnectAttempts int

	QueueSize int

	// QueueWhenDisabled keeps queueing envelopes when the Transport has
	// no Dialer. Otherwise Send is a no-op in that case.
	QueueWhenDisabled bool
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		URL:                  DefaultURL,
		AppName:              "MyApp",
		DialTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectStep:        DefaultReconnectStep,
		ReconnectMax:         DefaultReconnectMax,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		QueueSize:            DefaultQueueSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReconnectStep <= 0 {
		c.ReconnectStep = d.ReconnectStep
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	switch {
	case c.MaxReconnectAttempts == 0:
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	case c.MaxReconnectAttempts < 0:
		c.MaxReconnectAttempts = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer sets the Dialer. A nil Dialer disables the Transport.
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
		t.dialerSet = true
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(t *Transport) { t.logger = log.OrNoop(l) }
}

// WithClock sets the clock used for timestamps and reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithSession sets the session instead of creating a new one.
func WithSession(s session.Session) Option {
	return func(t *Transport) { t.session = s }
}

// WithObserver registers fn to be called on every state change. fn runs
// without the transport lock held and may call back into the Transport.
func WithObserver(fn func(State)) Option {
	return func(t *Transport) { t.observer = fn }
}

// Transport owns the connection to the collector and the pending queue.
// It is safe for concurrent use.
type Transport struct {
	cfg       Config
	dialer    Dialer
	dialerSet bool
	logger    log.Logger
	clock     clock.Clock
	session   session.Session
	observer  func(State)

	mu         sync.Mutex
	state      State
	conn       Conn
	queue      *queue
	backoff    *backoff
	timer      clock.Timer
	cancelDial context.CancelFunc
	gen        uint64
	started    bool
	stopped    bool
	disposed   bool
	gaveUp     bool

	// Collected under mu, handled after unlocking.
	notes   []State
	closers []Conn
}

// New creates a Transport. Call Start to connect.
func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:    cfg,
		logger: log.NoopLogger{},
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if !t.dialerSet {
		t.dialer = &WebSocketDialer{}
	}
	if t.session.ID == "" {
		t.session = session.New(cfg.AppName, t.clock.Now())
	}
	t.queue = newQueue(cfg.QueueSize)
	t.backoff = newBackoff(cfg.ReconnectStep, cfg.ReconnectMax, cfg.MaxReconnectAttempts)
	return t
}

// Start begins connecting in the background. It returns immediately; dial
// failures are retried per the reconnect policy. Start on a disabled
// Transport does nothing.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.unlockAndNotify()

	if t.disposed {
		return ErrDisposed
	}
	if t.dialer == nil {
		t.logger.Debug("relay transport disabled, no dialer available")
		return nil
	}
	if t.started {
		return nil
	}
	t.started = true
	t.connectLocked()
	return nil
}

// Send wraps payload in an Envelope and writes it, or queues it while the
// connection is not open.
func (t *Transport) Send(typ MessageType, payload any) {
	env := t.envelope(typ, payload)

	t.mu.Lock()
	defer t.unlockAndNotify()

	if t.disposed {
		return
	}
	if t.dialer == nil && !t.cfg.QueueWhenDisabled {
		return
	}
	if t.state != StateOpen || t.conn == nil {
		t.enqueueLocked(env)
		return
	}
	if err := t.writeLocked(env); err != nil {
		t.enqueueLocked(env)
		t.failLocked(err)
	}
}

// Disconnect closes the current connection and stops reconnecting until
// Reconnect is called. Queued and later envelopes are kept.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.unlockAndNotify()

	if t.disposed {
		return
	}
	t.stopped = true
	t.haltLocked()
}

// Reconnect resets the reconnect policy and dials again if not connected.
// It is the way to resume after Disconnect or after the Transport gave up.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	defer t.unlockAndNotify()

	if t.disposed || t.dialer == nil {
		return
	}
	t.stopped = false
	t.gaveUp = false
	t.started = true
	t.backoff.Reset()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.state == StateDisconnected {
		t.connectLocked()
	}
}

// Dispose stops all timers, closes the connection and discards the queue.
// Subsequent calls to Send are no-ops.
func (t *Transport) Dispose() {
	t.mu.Lock()
	defer t.unlockAndNotify()

	if t.disposed {
		return
	}
	t.disposed = true
	t.haltLocked()
	t.queue.reset()
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns the number of queued envelopes.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.len()
}

// PendingEnvelopes returns a copy of the queued envelopes, oldest first.
func (t *Transport) PendingEnvelopes() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.snapshot()
}

// Dropped returns how many envelopes were evicted from a full queue.
func (t *Transport) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.dropped
}

// Attempts returns the number of consecutive failed connection attempts
// that scheduled a reconnect.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backoff.Attempts()
}

// GaveUp reports whether the reconnect limit was reached.
func (t *Transport) GaveUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gaveUp
}

// Enabled reports whether the Transport has a Dialer.
func (t *Transport) Enabled() bool {
	return t.dialer != nil
}

// Session returns the session the Transport stamps on every envelope.
func (t *Transport) Session() session.Session {
	return t.session
}

// SessionID returns the session identifier.
func (t *Transport) SessionID() string {
	return t.session.ID
}

// Clock returns the clock used for timestamps.
func (t *Transport) Clock() clock.Clock {
	return t.clock
}

func (t *Transport) envelope(typ MessageType, payload any) Envelope {
	return Envelope{
		ID:        session.NewMessageID(),
		Timestamp: t.clock.Now().UnixMilli(),
		Meta: Meta{
			SessionID: t.session.ID,
			AppName:   t.session.AppName,
			Platform:  t.session.Platform,
		},
		Type:    typ,
		Payload: payload,
	}
}

func (t *Transport) connectLocked() {
	t.gen++
	gen := t.gen
	t.setStateLocked(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	t.cancelDial = cancel
	go t.dial(ctx, cancel, gen)
}

func (t *Transport) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	conn, err := t.dialer.Dial(ctx, t.cfg.URL)
	cancel()

	t.mu.Lock()
	defer t.unlockAndNotify()

	if gen != t.gen || t.disposed || t.stopped {
		if conn != nil {
			t.closers = append(t.closers, conn)
		}
		return
	}
	t.cancelDial = nil

	if err != nil {
		t.logger.Debug("relay connect failed",
			log.String("url", t.cfg.URL),
			log.Int("attempt", t.backoff.Attempts()+1),
			log.Err(err))
		t.setStateLocked(StateDisconnected)
		t.scheduleReconnectLocked()
		return
	}

	t.conn = conn
	t.backoff.Reset()
	t.gaveUp = false
	t.setStateLocked(StateOpen)
	t.logger.Debug("relay connected", log.String("url", t.cfg.URL), log.SessionID(t.session.ID))

	hello := t.envelope(TypeConnection, ConnectionPayload{
		Status:   "connected",
		AppName:  t.session.AppName,
		Platform: t.session.Platform,
	})
	if err := t.writeLocked(hello); err != nil {
		t.failLocked(err)
		return
	}

	pending := t.queue.drain()
	for i, env := range pending {
		if err := t.writeLocked(env); err != nil {
			for _, rest := range pending[i:] {
				t.queue.push(rest)
			}
			t.failLocked(err)
			return
		}
	}

	go t.watch(conn)
}

// watch waits for conn to close and schedules a reconnect if conn is
// still the current connection.
func (t *Transport) watch(conn Conn) {
	<-conn.Done()

	t.mu.Lock()
	defer t.unlockAndNotify()

	if t.conn != conn {
		return
	}
	t.conn = nil
	t.logger.Debug("relay connection closed", log.String("url", t.cfg.URL))
	t.setStateLocked(StateDisconnected)
	t.scheduleReconnectLocked()
}

// writeLocked encodes and writes env on the open connection. Envelopes
// that cannot be encoded are dropped without failing the connection.
func (t *Transport) writeLocked(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		t.logger.Debug("relay envelope dropped, encode failed",
			log.String("type", string(env.Type)),
			log.Err(err))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()
	return t.conn.Write(ctx, data)
}

func (t *Transport) enqueueLocked(env Envelope) {
	if t.queue.push(env) {
		t.logger.Debug("relay queue full, dropped oldest envelope", log.Int("capacity", t.queue.capacity))
	}
}

// failLocked abandons the current connection after a write error.
func (t *Transport) failLocked(err error) {
	t.logger.Debug("relay write failed", log.Err(err))
	t.closers = append(t.closers, t.conn)
	t.conn = nil
	t.setStateLocked(StateDisconnected)
	t.scheduleReconnectLocked()
}

func (t *Transport) scheduleReconnectLocked() {
	if t.disposed || t.stopped {
		return
	}
	delay, ok := t.backoff.Next()
	if !ok {
		t.gaveUp = true
		t.logger.Debug("relay reconnect limit reached", log.Int("attempts", t.backoff.Attempts()))
		return
	}
	gen := t.gen
	t.timer = t.clock.AfterFunc(delay, func() { t.reconnect(gen) })
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	defer t.unlockAndNotify()

	if gen != t.gen || t.disposed || t.stopped || t.state != StateDisconnected {
		return
	}
	t.timer = nil
	t.connectLocked()
}

// haltLocked cancels pending work and closes the connection.
func (t *Transport) haltLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	if t.conn != nil {
		t.closers = append(t.closers, t.conn)
		t.conn = nil
	}
	t.setStateLocked(StateDisconnected)
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	t.notes = append(t.notes, s)
}

// unlockAndNotify releases mu, then closes abandoned connections and
// reports state changes.
func (t *Transport) unlockAndNotify() {
	notes, closers := t.notes, t.closers
	t.notes, t.closers = nil, nil
	t.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	if t.observer != nil {
		for _, s := range notes {
			t.observer(s)
		}
	}
}
