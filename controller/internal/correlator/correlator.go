// Package correlator turns the fire-and-forget backend channel into
// request/response calls. Every outbound request gets a unique ID and a
// deadline; replies are matched back to their caller by ID.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/clock"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/protocol"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/transport"
)

// DefaultTimeout applies when Dispatch is called without a timeout.
const DefaultTimeout = 30 * time.Second

// ErrClosed rejects dispatches after Close.
var ErrClosed = errors.New("correlator closed")

// OutcomeRecorder is told about every round trip so connection state can
// follow what actually happened on the wire.
type OutcomeRecorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

// ReconnectRecorder is optionally implemented by an OutcomeRecorder that
// wants to know when a channel was opened after an earlier one was lost.
type ReconnectRecorder interface {
	RecordReconnect()
}

// Options configure a Correlator.
type Options struct {
	// Identity names the backend host handed to the dialer.
	Identity       string
	DefaultTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Correlator owns the pending request map and the current channel.
type Correlator struct {
	dialer   transport.Dialer
	identity string
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	recorderMu sync.RWMutex
	recorder   OutcomeRecorder

	dialMu sync.Mutex

	mu      sync.Mutex
	current *link
	opened  bool
	pending map[string]*entry
	closed  bool
}

// link ties a handler to the channel it was registered for, so callbacks
// from a replaced channel can be recognized.
type link struct {
	ch   transport.Channel
	gone bool // set by the first disconnect, guarded by Correlator.mu
}

type entry struct {
	request domain.Request
	timer   *clock.Timer
	result  chan outcome
}

type outcome struct {
	data json.RawMessage
	err  error
}

// New creates a Correlator. The channel is opened lazily on first dispatch
// and reopened on the first dispatch after a disconnect.
func New(dialer transport.Dialer, opts Options) *Correlator {
	c := &Correlator{
		dialer:   dialer,
		identity: opts.Identity,
		timeout:  opts.DefaultTimeout,
		clock:    opts.Clock,
		logger:   opts.Logger,
		pending:  make(map[string]*entry),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "correlator")
	return c
}

// SetRecorder installs the connection outcome recorder.
func (c *Correlator) SetRecorder(r OutcomeRecorder) {
	c.recorderMu.Lock()
	defer c.recorderMu.Unlock()
	c.recorder = r
}

// Dispatch sends command to the backend and waits for the matching reply,
// the deadline, a disconnect, or ctx cancellation, whichever comes first.
// Exactly one outcome is returned per call.
func (c *Correlator) Dispatch(ctx context.Context, command domain.Command, params domain.Params, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	req := domain.Request{
		ID:        "req_" + uuid.NewString(),
		Command:   command,
		Params:    params,
		CreatedAt: c.clock.Now(),
	}
	payload, err := json.Marshal(protocol.Envelope{
		ID:        req.ID,
		Command:   req.Command,
		Params:    req.Params,
		Timestamp: req.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", command, err)
	}

	e := &entry{request: req, result: make(chan outcome, 1)}

	ch, err := c.channel(ctx)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, &domain.ChannelClosedError{Command: command, Cause: ErrClosed}
		}
		c.recordFailure(err)
		return nil, fmt.Errorf("%s: %w", command, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &domain.ChannelClosedError{Command: command, Cause: ErrClosed}
	}
	c.pending[req.ID] = e
	e.timer = c.clock.AfterFunc(timeout, func() { c.expire(req.ID) })
	c.mu.Unlock()

	c.logger.Debug("request dispatched", "id", req.ID, "command", command, "timeout", timeout)

	if err := ch.Send(payload); err != nil {
		sendErr := fmt.Errorf("%s: %w: %w", command, domain.ErrUnreachable, err)
		if c.complete(req.ID, outcome{err: sendErr}) {
			c.recordFailure(sendErr)
		}
	}

	select {
	case out := <-e.result:
		return out.data, out.err
	case <-ctx.Done():
		c.complete(req.ID, outcome{err: ctx.Err()})
		out := <-e.result
		return out.data, out.err
	}
}

// Ping dispatches a PING probe. A backend that answers with an error is
// still reachable, so only transport-level failures are returned.
func (c *Correlator) Ping(ctx context.Context, timeout time.Duration) error {
	_, err := c.Dispatch(ctx, domain.CommandPing, nil, timeout)
	if errors.Is(err, domain.ErrBackend) {
		return nil
	}
	return err
}

// Pending returns the number of requests awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects all pending requests, closes the channel, and makes every
// later Dispatch fail.
func (c *Correlator) Close() error {
	c.mu.Lock()
	c.closed = true
	current := c.current
	c.mu.Unlock()

	if current != nil {
		return current.ch.Close()
	}
	return nil
}

// channel returns the open channel, opening one if needed. Opens are
// serialized by dialMu so c.mu is never held across a dial.
func (c *Correlator) channel(ctx context.Context) (transport.Channel, error) {
	if ch, err := c.currentChannel(); ch != nil || err != nil {
		return ch, err
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if ch, err := c.currentChannel(); ch != nil || err != nil {
		return ch, err
	}

	l := &link{}
	handler := transport.Handler{
		OnMessage:    c.handleMessage,
		OnDisconnect: func(err error) { c.disconnect(l, err) },
	}
	ch, err := c.dialer.Open(ctx, c.identity, handler)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnreachable, err)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		ch.Close()
		return nil, ErrClosed
	case l.gone:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: channel closed while opening", domain.ErrUnreachable)
	}
	l.ch = ch
	c.current = l
	reopened := c.opened
	c.opened = true
	c.mu.Unlock()

	c.logger.Info("backend channel opened", "identity", c.identity, "reopened", reopened)
	if reopened {
		c.recordReconnect()
	}
	return ch, nil
}

func (c *Correlator) currentChannel() (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.current != nil {
		return c.current.ch, nil
	}
	return nil, nil
}

// complete removes the entry and delivers out to its caller. It returns
// false when the entry was already completed by another path.
func (c *Correlator) complete(id string, out outcome) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		e.timer.Stop()
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	e.result <- out
	return true
}

func (c *Correlator) expire(id string) {
	c.mu.Lock()
	e, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	err := &domain.TimeoutError{
		Command: e.request.Command,
		Elapsed: c.clock.Now().Sub(e.request.CreatedAt),
	}
	if c.complete(id, outcome{err: err}) {
		c.logger.Warn("request timed out", "id", id, "command", e.request.Command, "elapsed", err.Elapsed)
		c.recordFailure(err)
	}
}

func (c *Correlator) handleMessage(payload []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Warn("discarding unparseable backend frame", "bytes", len(payload), "error", err)
		return
	}
	if env.ID == "" {
		c.logger.Warn("discarding backend frame without id", "status", env.Status)
		return
	}

	c.mu.Lock()
	e, ok := c.pending[env.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("discarding response for unknown or expired request", "id", env.ID, "status", env.Status)
		return
	}

	command := e.request.Command
	var out outcome
	switch env.Status {
	case domain.StatusSuccess:
		out.data = env.Data
	case domain.StatusError:
		msg := env.Error
		if msg == "" {
			msg = "unspecified backend error"
		}
		out.err = &domain.BackendError{Command: command, Message: msg}
	default:
		out.err = &domain.ProtocolError{Command: command, Detail: fmt.Sprintf("unrecognized response status %q", env.Status)}
	}

	if !c.complete(env.ID, out) {
		return
	}
	c.logger.Debug("request resolved",
		"id", env.ID,
		"command", command,
		"status", env.Status,
		"elapsed", c.clock.Now().Sub(e.request.CreatedAt),
	)
	if out.err != nil && !errors.Is(out.err, domain.ErrBackend) {
		c.recordFailure(out.err)
		return
	}
	c.recordSuccess()
}

func (c *Correlator) disconnect(l *link, cause error) {
	c.mu.Lock()
	l.gone = true
	if c.current != l {
		c.mu.Unlock()
		c.logger.Debug("ignoring disconnect from replaced channel", "error", cause)
		return
	}
	c.current = nil
	rejected := c.pending
	c.pending = make(map[string]*entry)
	for _, e := range rejected {
		e.timer.Stop()
	}
	c.mu.Unlock()

	for _, e := range rejected {
		e.result <- outcome{err: &domain.ChannelClosedError{Command: e.request.Command, Cause: cause}}
	}
	c.logger.Warn("backend channel disconnected", "error", cause, "rejected", len(rejected))
	c.recordFailure(fmt.Errorf("%w: %v", domain.ErrChannelClosed, cause))
}

func (c *Correlator) recordSuccess() {
	c.recorderMu.RLock()
	r := c.recorder
	c.recorderMu.RUnlock()
	if r != nil {
		r.RecordSuccess()
	}
}

func (c *Correlator) recordReconnect() {
	c.recorderMu.RLock()
	r, ok := c.recorder.(ReconnectRecorder)
	c.recorderMu.RUnlock()
	if ok {
		r.RecordReconnect()
	}
}

func (c *Correlator) recordFailure(err error) {
	c.recorderMu.RLock()
	r := c.recorder
	c.recorderMu.RUnlock()
	if r != nil {
		r.RecordFailure(err)
	}
}
