// Package mockbackend is an in-process automation backend that speaks the
// envelope protocol. It keeps recording state in memory and is used for
// local development (backend_mode=mock) and end-to-end tests.
package mockbackend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/protocol"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/transport"
)

// ErrUnavailable is returned by Accept while the backend is switched off.
var ErrUnavailable = errors.New("mock backend is not running")

// Version is reported by GET_STATUS.
const Version = "mock-1"

// Options configure a Backend.
type Options struct {
	// Latency delays every reply.
	Latency time.Duration
	// ArtifactDir prefixes the artifact paths of stopped recordings.
	ArtifactDir string
	Transport   transport.Options
	Logger      *slog.Logger
}

type recordingInfo struct {
	SessionID    string    `json:"session_id"`
	Name         string    `json:"name,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Paused       bool      `json:"-"`
}

// Backend is the mock engine.
type Backend struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	available bool
	active    *recordingInfo
	completed []recordingInfo
	peers     map[*peer]struct{}
	received  []domain.Command
}

type peer struct {
	ch transport.Channel
}

// New creates a running Backend.
func New(opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ArtifactDir == "" {
		opts.ArtifactDir = "recordings"
	}
	return &Backend{
		opts:      opts,
		logger:    logger.With("component", "mockbackend"),
		available: true,
		peers:     make(map[*peer]struct{}),
	}
}

// Dialer returns a transport.Dialer connected to this backend.
func (b *Backend) Dialer(opts transport.Options) *transport.MemoryDialer {
	return &transport.MemoryDialer{Accept: b.Accept, Options: opts}
}

// Accept serves one in-memory pipe.
func (b *Backend) Accept(identity string, c net.Conn) error {
	b.mu.Lock()
	available := b.available
	b.mu.Unlock()
	if !available {
		return ErrUnavailable
	}
	b.logger.Debug("accepted channel", "identity", identity)
	b.Serve(c)
	return nil
}

// Serve speaks the envelope protocol over rwc until it closes.
func (b *Backend) Serve(rwc io.ReadWriteCloser) transport.Channel {
	p := &peer{}
	p.ch = transport.NewConn(rwc, transport.Handler{
		OnMessage:    func(payload []byte) { b.handle(p, payload) },
		OnDisconnect: func(error) { b.forget(p) },
	}, b.opts.Transport)

	b.mu.Lock()
	b.peers[p] = struct{}{}
	b.mu.Unlock()
	return p.ch
}

// SetAvailable switches the backend on or off. Switching off drops every
// open channel and refuses new ones.
func (b *Backend) SetAvailable(available bool) {
	b.mu.Lock()
	b.available = available
	var drop []*peer
	if !available {
		for p := range b.peers {
			drop = append(drop, p)
		}
	}
	b.mu.Unlock()

	for _, p := range drop {
		p.ch.Close()
	}
}

// Restart behaves like the backend process being restarted: every open
// channel drops and the in-progress recording is forgotten. Completed
// recordings survive, as they would on disk.
func (b *Backend) Restart() {
	b.mu.Lock()
	if b.active != nil {
		b.logger.Info("restart drops active recording", "session_id", b.active.SessionID)
	}
	b.active = nil
	drop := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		drop = append(drop, p)
	}
	b.mu.Unlock()

	for _, p := range drop {
		p.ch.Close()
	}
}

// Received returns the commands handled so far.
func (b *Backend) Received() []domain.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Command(nil), b.received...)
}

func (b *Backend) forget(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, p)
}

func (b *Backend) handle(p *peer, payload []byte) {
	var req protocol.Envelope
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("ignoring malformed request", "error", err)
		return
	}

	resp := protocol.Envelope{ID: req.ID, Timestamp: time.Now().UnixMilli()}
	data, err := b.execute(req.Command, req.Params)
	if err != nil {
		resp.Status = domain.StatusError
		resp.Error = err.Error()
	} else {
		resp.Status = domain.StatusSuccess
		resp.Data, err = json.Marshal(data)
		if err != nil {
			resp.Status = domain.StatusError
			resp.Error = err.Error()
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("encode response", "id", req.ID, "error", err)
		return
	}
	send := func() {
		if err := p.ch.Send(out); err != nil {
			b.logger.Debug("reply dropped", "id", req.ID, "error", err)
		}
	}
	if b.opts.Latency > 0 {
		time.AfterFunc(b.opts.Latency, send)
		return
	}
	send()
}

func (b *Backend) execute(command domain.Command, params domain.Params) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, command)
	now := time.Now().UTC()

	switch command {
	case domain.CommandPing:
		return map[string]any{"pong": true}, nil

	case domain.CommandGetStatus:
		status := map[string]any{"version": Version, "recording": b.active != nil}
		if b.active != nil {
			status["session_id"] = b.active.SessionID
			status["paused"] = b.active.Paused
		}
		return status, nil

	case domain.CommandStartRecording:
		if b.active != nil {
			return nil, fmt.Errorf("recording %s already in progress", b.active.SessionID)
		}
		name, _ := params["name"].(string)
		b.active = &recordingInfo{SessionID: "rec_" + uuid.NewString(), Name: name, StartedAt: now}
		return map[string]any{"session_id": b.active.SessionID, "started_at": now}, nil

	case domain.CommandPauseRecording, domain.CommandResumeRecording:
		if err := b.checkSession(params); err != nil {
			return nil, err
		}
		pause := command == domain.CommandPauseRecording
		if b.active.Paused == pause {
			return nil, fmt.Errorf("recording %s is already %s", b.active.SessionID, map[bool]string{true: "paused", false: "running"}[pause])
		}
		b.active.Paused = pause
		return map[string]any{"session_id": b.active.SessionID, "paused": pause}, nil

	case domain.CommandStopRecording:
		if err := b.checkSession(params); err != nil {
			return nil, err
		}
		rec := *b.active
		rec.StoppedAt = now
		rec.ArtifactPath = filepath.Join(b.opts.ArtifactDir, rec.SessionID+".mkd")
		b.completed = append(b.completed, rec)
		b.active = nil
		return map[string]any{
			"session_id":    rec.SessionID,
			"artifact_path": rec.ArtifactPath,
			"duration_ms":   rec.StoppedAt.Sub(rec.StartedAt).Milliseconds(),
		}, nil

	case domain.CommandGetRecentRecordings:
		limit := 10
		if n, ok := params["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}
		recent := []recordingInfo{}
		for i := len(b.completed) - 1; i >= 0 && len(recent) < limit; i-- {
			recent = append(recent, b.completed[i])
		}
		return map[string]any{"recordings": recent}, nil

	case domain.CommandStartPlayback:
		id, _ := params["recording_id"].(string)
		for _, rec := range b.completed {
			if rec.SessionID == id {
				speed, ok := params["speed"].(float64)
				if !ok {
					speed = 1
				}
				return map[string]any{"recording_id": id, "playing": true, "speed": speed}, nil
			}
		}
		return nil, fmt.Errorf("recording %q not found", id)
	}
	return nil, fmt.Errorf("unknown command %q", command)
}

func (b *Backend) checkSession(params domain.Params) error {
	if b.active == nil {
		return errors.New("no recording in progress")
	}
	if id, _ := params["session_id"].(string); id != b.active.SessionID {
		return fmt.Errorf("session %q is not the active recording", id)
	}
	return nil
}
