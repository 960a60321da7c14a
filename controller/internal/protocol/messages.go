// Package protocol defines the WebSocket message protocol between UI clients
// and the controller.
package protocol

import (
	"encoding/json"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
)

// Message types from client to controller
const (
	TypeHello   = "hello"
	TypeCommand = "command"
)

// Message types from controller to client
const (
	TypeHelloAck = "hello_ack"
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

// HelloMessage is sent by a client to establish its connection.
type HelloMessage struct {
	BaseMessage
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage is sent by the controller after a successful hello. It
// carries the current state so a freshly opened popup can render at once.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string                `json:"connection_id"`
	State        domain.StatusSnapshot `json:"state"`
}

// CommandMessage asks the controller to run a backend command.
type CommandMessage struct {
	BaseMessage
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// ResultMessage answers a CommandMessage with the same request ID.
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

// EventMessage wraps a broadcast state change.
type EventMessage struct {
	BaseMessage
	Event domain.EventType `json:"event"`
	Data  map[string]any   `json:"data,omitempty"`
}

// ErrorMessage is sent when a client message cannot be handled at all.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeHelloRequired  = "hello_required"
	ErrorCodeInternalError  = "internal_error"
)
