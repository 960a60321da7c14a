package transport

import (
	"context"
	"fmt"
	"net"
)

// AcceptFunc receives the backend end of an in-memory pipe. Returning an
// error makes Open fail with ErrChannelUnavailable.
type AcceptFunc func(identity string, backend net.Conn) error

// MemoryDialer connects to an in-process backend over net.Pipe.
type MemoryDialer struct {
	Accept  AcceptFunc
	Options Options
}

// Open creates a pipe and hands one end to Accept.
func (d *MemoryDialer) Open(ctx context.Context, identity string, h Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Accept == nil {
		return nil, fmt.Errorf("%w: no in-memory backend", ErrChannelUnavailable)
	}
	local, remote := net.Pipe()
	if err := d.Accept(identity, remote); err != nil {
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return NewConn(local, h, d.Options), nil
}
