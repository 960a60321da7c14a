package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message types
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeCommand  = "command"
	TypeResult   = "result"
	TypeEvent    = "event"
	TypeError    = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
}

// HelloMessage is sent to establish connection.
type HelloMessage struct {
	BaseMessage
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage carries the controller state at handshake time.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string          `json:"connection_id"`
	State        json.RawMessage `json:"state"`
}

// CommandMessage asks the controller to run a command.
type CommandMessage struct {
	BaseMessage
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// ResultMessage answers a command.
type ResultMessage struct {
	BaseMessage
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed command.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventMessage is a broadcast state change.
type EventMessage struct {
	BaseMessage
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// ErrorMessage represents an error from the server.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandError is a command the controller answered with ok=false.
type CommandError struct {
	Command string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Command, e.Code, e.Message)
}

// Client is a connection to the controller's UI WebSocket.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the controller.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Hello performs the handshake and returns the acknowledgement.
func (c *Client) Hello(ctx context.Context, apiKey string) (*HelloAckMessage, error) {
	msg := HelloMessage{
		BaseMessage: BaseMessage{Type: TypeHello, Ts: time.Now().UnixMilli()},
		APIKey:      apiKey,
		ClientMeta:  map[string]string{"name": "mkdctl"},
	}
	if err := c.write(ctx, msg); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	for {
		base, data, err := c.read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read hello_ack: %w", err)
		}
		switch base.Type {
		case TypeHelloAck:
			var ack HelloAckMessage
			if err := json.Unmarshal(data, &ack); err != nil {
				return nil, fmt.Errorf("unmarshal hello_ack: %w", err)
			}
			return &ack, nil
		case TypeError:
			var errMsg ErrorMessage
			json.Unmarshal(data, &errMsg)
			return nil, fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message)
		case TypeEvent:
			continue
		default:
			return nil, fmt.Errorf("expected hello_ack, got: %s", base.Type)
		}
	}
}

// Command sends a command and waits for its result. Events that arrive in
// the meantime are skipped.
func (c *Client) Command(ctx context.Context, command string, params map[string]any) (json.RawMessage, error) {
	requestID := "cli_" + uuid.NewString()
	msg := CommandMessage{
		BaseMessage: BaseMessage{Type: TypeCommand, Ts: time.Now().UnixMilli(), RequestID: requestID},
		Command:     command,
		Params:      params,
	}
	if err := c.write(ctx, msg); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	for {
		base, data, err := c.read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read result: %w", err)
		}
		if base.RequestID != requestID {
			continue
		}
		switch base.Type {
		case TypeResult:
			var result ResultMessage
			if err := json.Unmarshal(data, &result); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
			if !result.OK {
				ce := &CommandError{Command: command}
				if result.Error != nil {
					ce.Code, ce.Message = result.Error.Code, result.Error.Message
				}
				return nil, ce
			}
			return result.Data, nil
		case TypeError:
			var errMsg ErrorMessage
			json.Unmarshal(data, &errMsg)
			return nil, &CommandError{Command: command, Code: errMsg.Code, Message: errMsg.Message}
		}
	}
}

// Watch calls fn for every event until ctx ends or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(EventMessage) error) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		var ev EventMessage
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type != TypeEvent {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) write(ctx context.Context, v any) error {
	deadline, _ := ctx.Deadline()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(v)
}

func (c *Client) read(ctx context.Context) (BaseMessage, []byte, error) {
	var base BaseMessage
	deadline, _ := ctx.Deadline()
	c.conn.SetReadDeadline(deadline)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return base, nil, ctx.Err()
		}
		return base, nil, err
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return base, nil, fmt.Errorf("malformed message: %w", err)
	}
	return base, data, nil
}
