package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Options tunes one connection.
type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// DefaultOptions returns a 100 frame buffer and 5s write timeout.
func DefaultOptions() Options {
	return Options{BufferSize: 100, WriteTimeout: 5 * time.Second}
}

// Connection is one party's live socket. All writes go through a single
// writer goroutine.
type Connection struct {
	conn          *websocket.Conn
	writeCh       chan []byte
	writeTimeout  time.Duration
	partyID       string
	role          string
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, opts.BufferSize),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetCredentials binds the party identity proven at handshake.
func (c *Connection) SetCredentials(partyID, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.partyID = partyID
	c.role = role
	c.authenticated = true

	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetPartyID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partyID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}
