// Package ws owns the WebSocket edge of the server: per-connection read and
// write pumps, the connection registry, and the router that turns inbound
// frames into sync pipeline calls. Everything below the socket (documents,
// awareness, the bus) is reached through the coordinator.
package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/auth"
	"github.com/synckit-dev/syncserver/internal/metrics"
	"github.com/synckit-dev/syncserver/internal/protocol"
)

var (
	// ErrConnectionClosed reports a send attempted on a connection that is
	// already disconnecting.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendQueueFull reports a message dropped because the connection's
	// write queue is full. The connection is closed as a slow consumer.
	ErrSendQueueFull = errors.New("send queue full")
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second

	defaultSendBuffer        = 256
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 60 * time.Second
	defaultMaxMessageSize    = 1 << 20
)

// State tracks a connection through its lifecycle. Transitions only move
// forward: Authenticating -> Authenticated -> Disconnecting -> Disconnected.
type State int32

const (
	StateAuthenticating State = iota
	StateAuthenticated
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Socket is the slice of *websocket.Conn the connection uses. Tests substitute
// an in-memory implementation.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// ConnConfig carries the per-connection tunables. Zero values fall back to
// the defaults above.
type ConnConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxMessageSize    int64
	SendBuffer        int
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
}

func (cfg ConnConfig) withDefaults() ConnConfig {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return cfg
}

// Connection wraps one WebSocket client. The read pump is the only reader of
// the socket and the write pump the only writer; everyone else talks to the
// connection through Send, which never blocks on the peer.
type Connection struct {
	ID       string
	RemoteIP string

	socket Socket
	cfg    ConnConfig

	state   atomic.Int32
	framing atomic.Int32

	mu          sync.Mutex
	userID      string
	clientID    string
	principal   *auth.TokenPayload
	closeCode   int
	closeReason string

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix milliseconds

	send      chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewConnection wraps an accepted socket. The connection starts in
// Authenticating with no pinned framing; pumps are started by the caller.
func NewConnection(id, remoteIP string, socket Socket, cfg ConnConfig) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		ID:          id,
		RemoteIP:    remoteIP,
		socket:      socket,
		cfg:         cfg,
		connectedAt: time.Now(),
		send:        make(chan *protocol.Message, cfg.SendBuffer),
		done:        make(chan struct{}),
		logger:      cfg.Logger.With().Str("connectionId", id).Logger(),
		metrics:     cfg.Metrics,
	}
	c.framing.Store(int32(protocol.FramingUnknown))
	c.Touch()
	return c
}

// State returns the connection's lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Framing returns the pinned wire framing, or FramingUnknown before the first
// decodable inbound frame.
func (c *Connection) Framing() protocol.Framing {
	return protocol.Framing(c.framing.Load())
}

// PinFraming records the framing of the first decodable frame. Later frames
// cannot change it; outbound messages follow the pinned framing.
func (c *Connection) PinFraming(f protocol.Framing) {
	if f == protocol.FramingUnknown {
		return
	}
	c.framing.CompareAndSwap(int32(protocol.FramingUnknown), int32(f))
}

// Touch records inbound activity for the heartbeat staleness check.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// IdleFor reports how long the connection has been silent.
func (c *Connection) IdleFor() time.Duration {
	return time.Duration(time.Now().UnixMilli()-c.lastActivity.Load()) * time.Millisecond
}

// ConnectedAt returns when the socket was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// UserID returns the authenticated user id, or "" before auth.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ClientID returns the pinned writer identity, or "" before one is resolved.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Principal returns the authenticated token payload, or nil before auth.
func (c *Connection) Principal() *auth.TokenPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// Promote installs the authenticated principal and moves an authenticating
// connection to Authenticated. A client id supplied at auth pins writer
// attribution immediately. Re-authentication replaces the principal.
func (c *Connection) Promote(principal *auth.TokenPayload, clientID string) {
	c.mu.Lock()
	c.principal = principal
	c.userID = principal.UserID
	if clientID != "" {
		c.clientID = clientID
	}
	c.mu.Unlock()

	c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateAuthenticated))
}

// ResolveClientID returns the writer identity for a message: an explicit id in
// the payload wins, then the pinned id, then the connection id. The first
// resolution pins, so vector clock attribution stays stable for the
// connection's lifetime.
func (c *Connection) ResolveClientID(payloadID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payloadID != "" {
		if c.clientID == "" {
			c.clientID = payloadID
		}
		return payloadID
	}
	if c.clientID == "" {
		c.clientID = c.ID
	}
	return c.clientID
}

// Send queues a message for the write pump. It never blocks: a full queue
// drops the message, closes the connection as a slow consumer, and returns
// ErrSendQueueFull.
func (c *Connection) Send(msg *protocol.Message) error {
	if c.State() >= StateDisconnecting {
		return ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send queue overflow")
		return ErrSendQueueFull
	}
}

// Close records the close frame to send and releases the pumps. Only the
// first call wins; the write pump performs the actual socket shutdown.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		c.state.Store(int32(StateDisconnecting))
		close(c.done)
	})
}

// ReadPump pulls frames off the socket and hands each to handle until the
// socket dies or the connection closes. It runs on the caller's goroutine;
// the caller owns teardown when it returns.
func (c *Connection) ReadPump(handle func(data []byte)) {
	c.socket.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	c.socket.SetPongHandler(func(string) error {
		c.Touch()
		return c.socket.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if c.State() < StateDisconnecting && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read pump ended")
			}
			return
		}
		c.Touch()
		_ = c.socket.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		handle(data)
	}
}

// WritePump drains the send queue onto the socket and drives the heartbeat.
// It owns the socket's write side and its eventual shutdown: when the
// connection closes, remaining queued messages are flushed, the recorded
// close frame is written, and the socket is released.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.shutdownSocket()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.logger.Debug().Err(err).Msg("socket write failed")
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if c.IdleFor() > c.cfg.HeartbeatTimeout {
				c.logger.Debug().
					Dur("idle", c.IdleFor()).
					Msg("heartbeat timeout")
				c.Close(websocket.CloseGoingAway, "heartbeat timeout")
				return
			}
			if err := c.writeMessage(protocol.NewPing()); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			c.drainSend()
			return
		}
	}
}

// writeMessage encodes with the pinned framing and writes one frame. An
// unencodable message is dropped rather than killing the connection.
func (c *Connection) writeMessage(msg *protocol.Message) error {
	framing := c.Framing()
	data, err := protocol.Encode(msg, framing)
	if err != nil {
		c.logger.Warn().Err(err).Str("type", msg.Type).Msg("dropping unencodable message")
		return nil
	}
	wire := websocket.TextMessage
	if framing == protocol.FramingBinary {
		wire = websocket.BinaryMessage
	}
	if err := c.socket.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.socket.WriteMessage(wire, data); err != nil {
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
	return nil
}

// drainSend flushes messages already queued at close time. Bounded by the
// queue capacity; write errors abandon the rest.
func (c *Connection) drainSend() {
	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// shutdownSocket writes the close frame recorded by Close and releases the
// socket. Runs exactly once, as the write pump's last act.
func (c *Connection) shutdownSocket() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	deadline := time.Now().Add(writeWait)
	_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.socket.Close()
	c.state.Store(int32(StateDisconnected))
}
