package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Close codes sent to clients
const (
	CloseSessionReplaced = 4001
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("connection buffer exceeded")
)

// ConnectionConfig tunes the write side of a connection
type ConnectionConfig struct {
	WriteWait  time.Duration
	PingPeriod time.Duration
	SendBuffer int
}

// Connection wraps a websocket and coordinates outbound writes via a buffered channel.
// It implements presence.Handle and is safe for concurrent use.
type Connection struct {
	ID        string
	Principal string

	ws     *websocket.Conn
	cfg    ConnectionConfig
	send   chan []byte
	once   sync.Once
	closed chan struct{}
	done   chan struct{}
}

// NewConnection constructs a Connection for the given principal
func NewConnection(principal string, ws *websocket.Conn, cfg ConnectionConfig) *Connection {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	return &Connection{
		ID:        uuid.NewString(),
		Principal: principal,
		ws:        ws,
		cfg:       cfg,
		send:      make(chan []byte, cfg.SendBuffer),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. If the client is slow and the buffer is full,
// the connection is closed to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case <-c.closed:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close terminates the connection and stops the write loop. Later calls are no-ops.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(c.cfg.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// Closed is done once Close has been called
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// Wait blocks until the write loop has exited
func (c *Connection) Wait() {
	<-c.done
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
