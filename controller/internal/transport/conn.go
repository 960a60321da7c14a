package transport

import (
	"fmt"
	"io"
	"sync"
)

// conn runs framed traffic over a reader and writer pair. One goroutine
// reads frames into the handler, another drains the send queue.
type conn struct {
	r       io.Reader
	w       io.Writer
	release func() error
	handler Handler
	opts    Options

	queue        chan []byte
	done         chan struct{}
	shutdownOnce sync.Once
}

// NewConn starts framed traffic over rwc and returns it as a Channel.
// Closing the channel closes rwc.
func NewConn(rwc io.ReadWriteCloser, h Handler, opts Options) Channel {
	return startConn(rwc, rwc, rwc.Close, h, opts)
}

func startConn(r io.Reader, w io.Writer, release func() error, h Handler, opts Options) *conn {
	c := &conn{
		r:       r,
		w:       w,
		release: release,
		handler: h,
		opts:    opts,
		queue:   make(chan []byte, opts.queueSize()),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: channel is closed", ErrSendFailed)
	default:
	}
	select {
	case c.queue <- payload:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: channel is closed", ErrSendFailed)
	default:
		return fmt.Errorf("%w: send queue full", ErrSendFailed)
	}
}

func (c *conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *conn) readLoop() {
	for {
		payload, err := ReadFrame(c.r, c.opts.maxFrameSize())
		if err != nil {
			c.shutdown(err)
			return
		}
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(payload)
		}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case payload := <-c.queue:
			if err := WriteFrame(c.w, payload); err != nil {
				c.shutdown(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) shutdown(cause error) {
	c.shutdownOnce.Do(func() {
		close(c.done)
		if err := c.release(); err != nil {
			c.opts.logger().Debug("channel release failed", "error", err)
		}
		if c.handler.OnDisconnect != nil {
			c.handler.OnDisconnect(cause)
		}
	})
}
