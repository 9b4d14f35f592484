package unimart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/unimart/sdk/golang/internal/logger"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a channel connection.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	RequestTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.Logger = logger.Or(c.Logger)
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

const readLimit = 1 << 20

// stableAfter is how long a connection must stay up before the reconnect
// attempt counter starts over.
const stableAfter = 60 * time.Second

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// next returns the delay before the next attempt and its 1-based number, or
// ok=false once MaxReconnectAttempts is reached. A negative limit never runs out.
func (r *reconnector) next() (delay time.Duration, attempt int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	if r.maxAttempts >= 0 && r.attempt >= r.maxAttempts {
		return 0, r.attempt, false
	}

	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay = time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt, true
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// Connection
// ============================================================================

// Connection owns one persistent socket for a channel. It dispatches every
// inbound frame through its Router on a single read goroutine, in the order
// the transport delivers them, and reconnects with exponential backoff after
// unexpected closes.
type Connection struct {
	channel  Channel
	endpoint string
	config   *RealtimeConfig
	router   *Router
	log      *slog.Logger
	recon    *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	lifeCtx          context.Context
	lifeCancel       context.CancelFunc

	hooksMu        sync.Mutex
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(attempt int, delay time.Duration)

	pendingMu sync.Mutex
	pending   map[string]chan Event
}

// NewConnection creates a connection for channel. endpoint is the channel's
// WebSocket URL; the token is appended as the `token` query parameter.
func NewConnection(channel Channel, endpoint string, config *RealtimeConfig) *Connection {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := cfg.Logger.With("channel", string(channel))
	return &Connection{
		channel:  channel,
		endpoint: endpoint,
		config:   &cfg,
		router:   NewRouter(log),
		log:      log,
		recon:    newReconnector(&cfg),
		state:    StateDisconnected,
		pending:  make(map[string]chan Event),
	}
}

// Channel returns the logical channel this connection serves.
func (c *Connection) Channel() Channel { return c.channel }

// Router returns the router inbound frames are dispatched through.
func (c *Connection) Router() *Router { return c.router }

// AddMessageHandler registers h on the connection's router.
func (c *Connection) AddMessageHandler(kind EventKind, h Handler) HandlerID {
	return c.router.AddMessageHandler(kind, h)
}

// RemoveMessageHandler removes a handler registered with AddMessageHandler.
func (c *Connection) RemoveMessageHandler(kind EventKind, id HandlerID) bool {
	return c.router.RemoveMessageHandler(kind, id)
}

// OnConnected registers a hook run after every successful (re)connect. The
// server keeps no replay buffer, so this is where callers re-request state.
func (c *Connection) OnConnected(h func()) {
	c.hooksMu.Lock()
	c.onConnected = append(c.onConnected, h)
	c.hooksMu.Unlock()
}

// OnDisconnected registers a hook run when an open socket closes. err is nil
// for a deliberate Disconnect.
func (c *Connection) OnDisconnected(h func(err error)) {
	c.hooksMu.Lock()
	c.onDisconnected = append(c.onDisconnected, h)
	c.hooksMu.Unlock()
}

// OnReconnecting registers a hook run before each reconnect attempt.
func (c *Connection) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.hooksMu.Lock()
	c.onReconnecting = append(c.onReconnecting, h)
	c.hooksMu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connection) dialURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid %s endpoint: %w", c.channel, err)
	}
	if c.config.Token != "" {
		q := u.Query()
		q.Set("token", c.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect opens the socket. It is a no-op while the connection is already
// connected, connecting or reconnecting. With AutoReconnect set, a failed
// first dial keeps retrying in the background and the dial error is still
// returned.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	if c.lifeCancel != nil {
		c.lifeCancel()
	}
	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.lifeCtx, c.lifeCancel = lifeCtx, cancel
	c.mu.Unlock()

	c.recon.reset()

	dialCtx, dialCancel := context.WithTimeout(ctx, c.config.DialTimeout)
	err := c.dial(dialCtx, lifeCtx)
	dialCancel()
	if err == nil {
		return nil
	}

	c.log.Warn("connect failed", "error", err)
	if c.config.AutoReconnect && lifeCtx.Err() == nil {
		go c.reconnectLoop(lifeCtx)
		return err
	}
	c.stop(lifeCtx)
	return err
}

func (c *Connection) dial(dialCtx, lifeCtx context.Context) error {
	u, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPClient: c.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(lifeCtx)
	c.mu.Lock()
	if c.intentionalClose || lifeCtx.Err() != nil {
		c.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.recon.markConnected()
	c.log.Info("connected")

	go c.readLoop(lifeCtx, connCtx, connCancel, conn)
	go c.heartbeatLoop(connCtx, conn)

	c.emitConnected()
	return nil
}

// stop moves to disconnected after the connection gave up. It does nothing
// once lifeCtx has been replaced by a later Connect.
func (c *Connection) stop(lifeCtx context.Context) {
	c.mu.Lock()
	if c.lifeCtx != lifeCtx {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	cancel := c.lifeCancel
	c.lifeCtx, c.lifeCancel = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.clearPending()
}

// Disconnect tears the connection down deliberately: no reconnect follows and
// correlated requests still waiting fail with ErrClosed.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.intentionalClose = true
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	cancel := c.lifeCancel
	c.lifeCtx, c.lifeCancel = nil, nil
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			c.log.Debug("close after disconnect", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	c.clearPending()
	if wasConnected {
		c.log.Info("disconnected")
		c.emitDisconnected(nil)
	}
}

func (c *Connection) readLoop(lifeCtx, connCtx context.Context, connCancel context.CancelFunc, conn *websocket.Conn) {
	defer connCancel()
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			c.handleDrop(lifeCtx, conn, err)
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.resolvePending(ev)
		c.router.Dispatch(ev)
	}
}

func (c *Connection) handleDrop(lifeCtx context.Context, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn || c.intentionalClose || lifeCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	// Leave connected before any hook runs; a Connect from a hook must stay a
	// no-op while the reconnect loop owns the channel.
	c.conn = nil
	var cancel context.CancelFunc
	if c.config.AutoReconnect {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
		cancel = c.lifeCancel
		c.lifeCtx, c.lifeCancel = nil, nil
	}
	c.mu.Unlock()

	c.log.Warn("connection lost", "error", err)
	if cancel != nil {
		cancel()
		c.clearPending()
	}
	c.emitDisconnected(err)

	if c.config.AutoReconnect {
		c.reconnectLoop(lifeCtx)
	}
}

func (c *Connection) reconnectLoop(lifeCtx context.Context) {
	for {
		delay, attempt, ok := c.recon.next()
		if !ok {
			c.log.Error("giving up reconnecting", "attempts", attempt)
			c.stop(lifeCtx)
			return
		}

		c.mu.Lock()
		if c.intentionalClose || lifeCtx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()
		c.emitReconnecting(attempt, delay)

		t := time.NewTimer(delay)
		select {
		case <-lifeCtx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		dialCtx, cancel := context.WithTimeout(lifeCtx, c.config.DialTimeout)
		err := c.dial(dialCtx, lifeCtx)
		cancel()
		if err == nil || errors.Is(err, ErrClosed) || lifeCtx.Err() != nil {
			return
		}
		c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// Outbound
// ============================================================================

// Send serialises {type, ...payload} and writes it. Sends are best-effort:
// when the socket is not open the frame is logged and dropped and
// ErrNotConnected is returned for information only.
func (c *Connection) Send(ctx context.Context, kind CommandKind, payload any) error {
	data, err := EncodeCommand(kind, "", payload)
	if err != nil {
		c.log.Error("cannot encode outbound frame", "type", string(kind), "error", err)
		return err
	}
	return c.write(ctx, kind, data)
}

// Request sends a command tagged with a fresh correlation id and waits for
// the first inbound frame carrying the same id. An `error` reply is returned
// as *ServerError alongside the event.
func (c *Connection) Request(ctx context.Context, kind CommandKind, payload any) (Event, error) {
	id := uuid.NewString()
	data, err := EncodeCommand(kind, id, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, kind, data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if e, isErr := ev.(ErrorEvent); isErr {
			return ev, e.Err()
		}
		return ev, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", kind, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) write(ctx context.Context, kind CommandKind, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		c.log.Warn("dropping outbound frame, socket not open", "type", string(kind), "state", string(state))
		return ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Warn("write failed", "type", string(kind), "error", err)
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

func (c *Connection) resolvePending(ev Event) {
	id := ev.Correlation()
	if id == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- ev
	}
}

func (c *Connection) clearPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// ============================================================================
// Hooks
// ============================================================================

func (c *Connection) emitConnected() {
	c.hooksMu.Lock()
	hooks := append([]func(){}, c.onConnected...)
	c.hooksMu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (c *Connection) emitDisconnected(err error) {
	c.hooksMu.Lock()
	hooks := append([]func(error){}, c.onDisconnected...)
	c.hooksMu.Unlock()
	for _, h := range hooks {
		h(err)
	}
}

func (c *Connection) emitReconnecting(attempt int, delay time.Duration) {
	c.hooksMu.Lock()
	hooks := append([]func(int, time.Duration){}, c.onReconnecting...)
	c.hooksMu.Unlock()
	for _, h := range hooks {
		h(attempt, delay)
	}
}
