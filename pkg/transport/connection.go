package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/livememo/pkg/state"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Close codes in the application range.
const (
	StatusEvicted websocket.StatusCode = 4000
	StatusRevoked websocket.StatusCode = 4003
)

var ErrSlowConsumer = errors.New("send buffer full")

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// OnCloseHandler runs once per connection with the classified close cause.
type OnCloseHandler func(connID uuid.UUID, kind state.CloseKind, err error)

type ConnectionConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	ReadLimit    int64
}

// Connection represents a single, thread-safe WebSocket connection. It
// implements state.Peer.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	closing   chan struct{}
	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc
	cause     error

	logger *slog.Logger
}

var _ state.Peer = (*Connection)(nil)

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	defer c.wg.Done()

	for {
		readCtx, cancelRead := c.readContext()
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			c.Close(err)
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Warn("failed to read message", slog.Any("error", err))
			c.Close(err)
			return
		}
		c.onMessage(c.ctx, c.id, message)
	}
}

func (c *Connection) readContext() (context.Context, context.CancelFunc) {
	if c.config.ReadTimeout <= 0 {
		return context.WithCancel(c.ctx)
	}
	return context.WithTimeout(c.ctx, c.config.ReadTimeout)
}

// writePump pumps messages from the send channel to the WebSocket connection.
// On Close it flushes what is already queued, then sends the close frame.
func (c *Connection) writePump() {
	defer c.wg.Done()
	defer close(c.done)
	defer c.cancel()

	stop := c.ctx.Done()
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.Close(err)
				c.conn.CloseNow()
				return
			}
		case <-c.closing:
			c.flush()
			status, reason := closeStatus(c.cause)
			if err := c.conn.Close(status, reason); err != nil {
				c.logger.Debug("close handshake incomplete", slog.Any("error", err))
			}
			return
		case <-stop:
			stop = nil
			c.Close(state.ErrShutdown)
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

func (c *Connection) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues a message for the client without blocking. A client that
// cannot keep up is disconnected.
func (c *Connection) Send(message []byte) {
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.send <- message:
	default:
		c.logger.Warn("send buffer full, dropping connection")
		// Send can run under a session lock; closing reports back to the manager.
		go c.Close(ErrSlowConsumer)
	}
}

// Close shuts the connection down once. err is the cause: nil or
// state.ErrShutdown for a clean close, state.ErrEvicted or state.ErrRevoked
// when the server removes the client, anything else for a failure.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		kind := Classify(err)
		c.cause = err
		c.logger.Info("connection closing", slog.String("kind", kind.String()), slog.Any("reason", err))
		close(c.closing)
		if c.onClose != nil {
			c.onClose(c.id, kind, err)
		}
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Classify maps a close cause to how the session should treat the departure.
func Classify(err error) state.CloseKind {
	if kind, ok := state.CloseKindOf(err); ok {
		return kind
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return state.CloseClean
	}
	if errors.Is(err, context.Canceled) {
		return state.CloseClean
	}
	return state.CloseDropped
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, state.ErrShutdown):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.Is(err, state.ErrEvicted):
		return StatusEvicted, "evicted"
	case errors.Is(err, state.ErrRevoked):
		return StatusRevoked, "access revoked"
	case errors.Is(err, ErrSlowConsumer):
		return websocket.StatusPolicyViolation, "too slow"
	}
	if websocket.CloseStatus(err) != -1 {
		return websocket.StatusNormalClosure, ""
	}
	return websocket.StatusInternalError, ""
}
