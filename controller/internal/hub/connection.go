package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/protocol"
)

const sendBufferSize = 256

// Connection is a UI client WebSocket. It is a Listener: events are queued
// on Send and written by the connection's write pump.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	subscription string
	done         chan struct{}
	closeOnce    sync.Once
	mu           sync.Mutex
}

// NewConnection wraps ws. It is not subscribed until Register.
func NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.NewString(),
		Conn: ws,
		Send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Deliver queues ev as an event message.
func (c *Connection) Deliver(ev domain.Event) error {
	ts := ev.Ts
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return c.SendJSON(protocol.EventMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeEvent, Ts: ts},
		Event:       ev.Type,
		Data:        ev.Data,
	})
}

// SendJSON queues v without blocking.
func (c *Connection) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrListenerGone
	default:
	}
	select {
	case c.Send <- data:
		return nil
	case <-c.done:
		return ErrListenerGone
	default:
		return ErrBufferFull
	}
}

// Done is closed once the connection is unregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
