// Package transport wraps the one-way backend pipe into a send / on-message /
// on-disconnect interface. It knows nothing about requests or replies.
package transport

import (
	"context"
	"errors"
	"log/slog"
)

var (
	// ErrChannelUnavailable is returned by Open when the backend cannot be
	// reached or started.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrSendFailed is returned by Send when the frame could not be queued.
	ErrSendFailed = errors.New("send failed")
	// ErrClosed is the disconnect cause after a local Close.
	ErrClosed = errors.New("channel closed locally")
	// ErrFrameTooLarge is returned for frames above the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Handler receives inbound traffic for one opened channel.
//
// OnMessage is called once per frame, in arrival order, from the channel's
// reader goroutine. OnDisconnect is called exactly once when the channel
// dies; after a local Close it runs on the goroutine calling Close.
type Handler struct {
	OnMessage    func(payload []byte)
	OnDisconnect func(err error)
}

// Channel is an open pipe to the backend.
type Channel interface {
	// Send queues payload for delivery and returns without waiting for the
	// write. Frames are written in Send order.
	Send(payload []byte) error
	Close() error
}

// Dialer opens channels to a named backend identity.
type Dialer interface {
	Open(ctx context.Context, identity string, h Handler) (Channel, error)
}

// Options tune a channel.
type Options struct {
	// MaxFrameSize bounds inbound frames. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
	// QueueSize is the outbound frame buffer. Zero means DefaultQueueSize.
	QueueSize int
	Logger    *slog.Logger
}

const (
	DefaultMaxFrameSize = 1 << 20
	DefaultQueueSize    = 64
)

func (o Options) maxFrameSize() int {
	if o.MaxFrameSize > 0 {
		return o.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

func (o Options) queueSize() int {
	if o.QueueSize > 0 {
		return o.QueueSize
	}
	return DefaultQueueSize
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
