package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Host describes how to launch a backend registered under an identity.
type Host struct {
	Path string
	Args []string
	Env  []string
}

// ProcessDialer launches the backend as a child process and talks to it
// over its stdin and stdout. Each Open starts a fresh process.
type ProcessDialer struct {
	Hosts   map[string]Host
	Options Options
}

// Open starts the host registered under identity.
func (d *ProcessDialer) Open(ctx context.Context, identity string, h Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	host, ok := d.Hosts[identity]
	if !ok {
		return nil, fmt.Errorf("%w: no backend registered as %q", ErrChannelUnavailable, identity)
	}

	cmd := exec.Command(host.Path, host.Args...)
	cmd.Env = append(os.Environ(), host.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrChannelUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrChannelUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrChannelUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrChannelUnavailable, host.Path, err)
	}

	logger := d.Options.logger().With("backend", identity, "pid", cmd.Process.Pid)
	logger.Info("backend process started", "path", host.Path)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("backend stderr", "line", scanner.Text())
		}
	}()

	p := &process{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	go p.wait()

	opts := d.Options
	opts.Logger = logger
	wrapped := h
	wrapped.OnDisconnect = func(cause error) {
		if errors.Is(cause, io.EOF) {
			cause = fmt.Errorf("backend closed its output: %w", cause)
		}
		logger.Info("backend channel disconnected", "error", cause)
		if h.OnDisconnect != nil {
			h.OnDisconnect(cause)
		}
	}
	return startConn(stdout, stdin, p.release, wrapped, opts), nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	exited chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (p *process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.exited)
}

// release closes stdin, which asks a well-behaved host to exit, and kills
// the process if it is still running.
func (p *process) release() error {
	p.stdin.Close()
	select {
	case <-p.exited:
	default:
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill backend: %w", err)
		}
	}
	return nil
}
