// Package session runs the recording state machine. It is the only writer
// of the recording state and the only component that turns UI commands
// into backend dispatches.
package session

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
)

// Dispatcher sends a validated command to the backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, command domain.Command, params domain.Params, timeout time.Duration) (json.RawMessage, error)
}

// Validator cleans raw UI parameters.
type Validator interface {
	Validate(ctx context.Context, command domain.Command, raw map[string]any) (domain.Params, error)
}

// Connectivity exposes the connection monitor's view.
type Connectivity interface {
	State() domain.ConnectionState
	Health() domain.HealthState
}

// Notifier broadcasts state changes.
type Notifier interface {
	Notify(ev domain.Event)
}

// History persists completed recordings.
type History interface {
	SaveRecording(ctx context.Context, rec *domain.Recording) error
	ListRecentRecordings(ctx context.Context, limit int) ([]domain.Recording, error)
}

// Options configure a Coordinator.
type Options struct {
	Dispatcher   Dispatcher
	Validator    Validator
	Connectivity Connectivity
	Notifier     Notifier
	// History is optional. Without it stopped recordings are not kept
	// and recent recordings cannot be listed in fallback mode.
	History History
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Coordinator owns the recording session.
type Coordinator struct {
	dispatcher Dispatcher
	validator  Validator
	conn       Connectivity
	notifier   Notifier
	history    History
	clock      clock.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	phase     domain.RecordingPhase
	stopFrom  domain.RecordingPhase
	sessionID string
	startTime time.Time
}

// New creates a Coordinator in the Idle phase.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		dispatcher: opts.Dispatcher,
		validator:  opts.Validator,
		conn:       opts.Connectivity,
		notifier:   opts.Notifier,
		history:    opts.History,
		clock:      opts.Clock,
		logger:     opts.Logger,
		phase:      domain.PhaseIdle,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session")
	return c
}

// State returns the recording snapshot. Transitional phases report the
// state they are leaving.
func (c *Coordinator) State() domain.RecordingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Phase returns the state machine position.
func (c *Coordinator) Phase() domain.RecordingPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) stateLocked() domain.RecordingState {
	var paused bool
	switch c.phase {
	case domain.PhaseIdle, domain.PhaseStarting:
		return domain.RecordingState{}
	case domain.PhasePaused, domain.PhaseResuming:
		paused = true
	case domain.PhaseStopping:
		paused = c.stopFrom == domain.PhasePaused
	}
	start := c.startTime
	return domain.RecordingState{
		IsRecording: true,
		IsPaused:    paused,
		SessionID:   c.sessionID,
		StartTime:   &start,
	}
}

func (c *Coordinator) inFallback() bool {
	return c.conn != nil && c.conn.State().FallbackMode
}

// fallbackBlocks reports whether command must fail fast because the
// backend is unreachable.
func (c *Coordinator) fallbackBlocks(command domain.Command) bool {
	return command.Mutating() && c.inFallback()
}

// StartRecording starts a new session. A second start while the first is
// still awaiting the backend fails with ErrAlreadyRecording.
func (c *Coordinator) StartRecording(ctx context.Context, raw map[string]any) (domain.RecordingState, error) {
	c.mu.Lock()
	refused, err := c.startGuardLocked()
	c.mu.Unlock()
	if err != nil {
		return refused, err
	}

	params, err := c.validator.Validate(ctx, domain.CommandStartRecording, raw)
	if err != nil {
		return c.State(), err
	}

	c.mu.Lock()
	if refused, err := c.startGuardLocked(); err != nil {
		c.mu.Unlock()
		return refused, err
	}
	c.phase = domain.PhaseStarting
	c.mu.Unlock()

	data, err := c.dispatcher.Dispatch(ctx, domain.CommandStartRecording, params, 0)
	if err != nil {
		c.revert(domain.PhaseIdle)
		c.logger.Warn("start recording failed", "error", err)
		return domain.RecordingState{}, err
	}

	sessionID, err := c.sessionIDFrom(ctx, data)
	if err != nil {
		// Pause and stop could never name this session, so it is not
		// adopted. The backend may still be capturing under it.
		c.revert(domain.PhaseIdle)
		c.logger.Error("backend started a session the controller cannot address", "error", err)
		return domain.RecordingState{}, err
	}

	c.mu.Lock()
	c.phase = domain.PhaseRecording
	c.sessionID = sessionID
	c.startTime = c.clock.Now()
	state := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("recording started", "session_id", sessionID)
	c.notify(domain.EventRecordingStarted, map[string]any{"session_id": sessionID})
	return state, nil
}

func (c *Coordinator) startGuardLocked() (domain.RecordingState, error) {
	if c.phase != domain.PhaseIdle {
		return c.stateLocked(), domain.ErrAlreadyRecording
	}
	if c.fallbackBlocks(domain.CommandStartRecording) {
		return domain.RecordingState{}, domain.ErrFallbackUnavailable
	}
	return domain.RecordingState{}, nil
}

// PauseRecording pauses the active session.
func (c *Coordinator) PauseRecording(ctx context.Context) (domain.RecordingState, error) {
	return c.toggle(ctx, toggle{
		operation: "pause",
		command:   domain.CommandPauseRecording,
		from:      domain.PhaseRecording,
		via:       domain.PhasePausing,
		to:        domain.PhasePaused,
		event:     domain.EventRecordingPaused,
	})
}

// ResumeRecording resumes a paused session.
func (c *Coordinator) ResumeRecording(ctx context.Context) (domain.RecordingState, error) {
	return c.toggle(ctx, toggle{
		operation: "resume",
		command:   domain.CommandResumeRecording,
		from:      domain.PhasePaused,
		via:       domain.PhaseResuming,
		to:        domain.PhaseRecording,
		event:     domain.EventRecordingResumed,
	})
}

type toggle struct {
	operation     string
	command       domain.Command
	from, via, to domain.RecordingPhase
	event         domain.EventType
}

func (c *Coordinator) toggle(ctx context.Context, t toggle) (domain.RecordingState, error) {
	c.mu.Lock()
	if c.phase != t.from {
		state := c.stateLocked()
		err := &domain.TransitionError{Operation: t.operation, From: c.phase}
		c.mu.Unlock()
		return state, err
	}
	if c.fallbackBlocks(t.command) {
		state := c.stateLocked()
		c.mu.Unlock()
		return state, domain.ErrFallbackUnavailable
	}
	sessionID := c.sessionID
	c.phase = t.via
	c.mu.Unlock()

	params, err := c.validator.Validate(ctx, t.command, map[string]any{"session_id": sessionID})
	if err == nil {
		_, err = c.dispatcher.Dispatch(ctx, t.command, params, 0)
	}
	if err != nil {
		c.revert(t.from)
		c.logger.Warn(t.operation+" recording failed", "session_id", sessionID, "error", err)
		c.reconcileAfter(ctx, err)
		return c.State(), err
	}

	c.mu.Lock()
	c.phase = t.to
	state := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("recording "+string(t.to), "session_id", sessionID)
	c.notify(t.event, map[string]any{"session_id": sessionID})
	return state, nil
}

// StopRecording stops the active session and returns the backend's result
// payload. On success the recording state is back to its zero value.
func (c *Coordinator) StopRecording(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	switch {
	case c.phase == domain.PhaseIdle:
		c.mu.Unlock()
		return nil, domain.ErrNoActiveRecording
	case c.phase.Transitional():
		err := &domain.TransitionError{Operation: "stop", From: c.phase}
		c.mu.Unlock()
		return nil, err
	}
	if c.fallbackBlocks(domain.CommandStopRecording) {
		c.mu.Unlock()
		return nil, domain.ErrFallbackUnavailable
	}
	from := c.phase
	sessionID := c.sessionID
	startTime := c.startTime
	c.stopFrom = from
	c.phase = domain.PhaseStopping
	c.mu.Unlock()

	params, err := c.validator.Validate(ctx, domain.CommandStopRecording, map[string]any{"session_id": sessionID})
	var data json.RawMessage
	if err == nil {
		data, err = c.dispatcher.Dispatch(ctx, domain.CommandStopRecording, params, 0)
	}
	if err != nil {
		c.revert(from)
		c.logger.Warn("stop recording failed", "session_id", sessionID, "error", err)
		c.reconcileAfter(ctx, err)
		return nil, err
	}

	stoppedAt := c.clock.Now()
	c.mu.Lock()
	c.phase = domain.PhaseIdle
	c.stopFrom = ""
	c.sessionID = ""
	c.startTime = time.Time{}
	c.mu.Unlock()

	c.saveHistory(ctx, &domain.Recording{
		SessionID:    sessionID,
		StartedAt:    startTime,
		StoppedAt:    stoppedAt,
		ArtifactPath: artifactPathFrom(data),
		Result:       data,
	})
	c.logger.Info("recording stopped", "session_id", sessionID, "duration", stoppedAt.Sub(startTime))

	var result any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			result = string(data)
		}
	}
	c.notify(domain.EventRecordingStopped, map[string]any{"session_id": sessionID, "result": result})
	return data, nil
}

func (c *Coordinator) saveHistory(ctx context.Context, rec *domain.Recording) {
	if c.history == nil {
		return
	}
	// The recording is over either way; the caller's cancellation should
	// not lose the history row.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.history.SaveRecording(ctx, rec); err != nil {
		c.logger.Error("failed to save recording history", "session_id", rec.SessionID, "error", err)
	}
}

// Status returns the combined recording and connection snapshot. In
// fallback mode the snapshot is synthesized locally.
func (c *Coordinator) Status(ctx context.Context) (domain.StatusSnapshot, error) {
	snapshot := c.localSnapshot()
	if snapshot.Connection.FallbackMode {
		snapshot.Offline = true
		return snapshot, nil
	}

	params, err := c.validator.Validate(ctx, domain.CommandGetStatus, nil)
	if err != nil {
		return snapshot, err
	}
	phase, sessionID := c.position()
	data, err := c.dispatcher.Dispatch(ctx, domain.CommandGetStatus, params, 0)
	if err != nil {
		return snapshot, err
	}
	c.reconcile(phase, sessionID, data)
	snapshot = c.localSnapshot()
	snapshot.Backend = data
	return snapshot, nil
}

// Snapshot returns the locally known state without asking the backend.
func (c *Coordinator) Snapshot() domain.StatusSnapshot {
	s := c.localSnapshot()
	s.Offline = s.Connection.FallbackMode
	return s
}

func (c *Coordinator) localSnapshot() domain.StatusSnapshot {
	s := domain.StatusSnapshot{Recording: c.State(), Health: domain.HealthHealthy}
	if c.conn != nil {
		s.Connection = c.conn.State()
		s.Health = c.conn.Health()
	}
	return s
}

// ConnectionStatus is always answered locally.
func (c *Coordinator) ConnectionStatus() domain.ConnectionState {
	if c.conn == nil {
		return domain.ConnectionState{}
	}
	return c.conn.State()
}

// RecentRecordings lists recent recordings, from the backend or, in
// fallback mode, from local history.
func (c *Coordinator) RecentRecordings(ctx context.Context, raw map[string]any) (json.RawMessage, error) {
	params, err := c.validator.Validate(ctx, domain.CommandGetRecentRecordings, raw)
	if err != nil {
		return nil, err
	}
	if !c.inFallback() {
		return c.dispatcher.Dispatch(ctx, domain.CommandGetRecentRecordings, params, 0)
	}
	if c.history == nil {
		return nil, domain.ErrFallbackUnavailable
	}

	limit, _ := params["limit"].(int)
	recordings, err := c.history.ListRecentRecordings(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list local recordings: %w", err)
	}
	return json.Marshal(map[string]any{"recordings": recordings, "offline": true})
}

// StartPlayback replays a recording. It is refused while recording.
func (c *Coordinator) StartPlayback(ctx context.Context, raw map[string]any) (json.RawMessage, error) {
	params, err := c.validator.Validate(ctx, domain.CommandStartPlayback, raw)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if phase != domain.PhaseIdle {
		return nil, &domain.TransitionError{Operation: "playback", From: phase}
	}
	if c.fallbackBlocks(domain.CommandStartPlayback) {
		return nil, domain.ErrFallbackUnavailable
	}
	return c.dispatcher.Dispatch(ctx, domain.CommandStartPlayback, params, 0)
}

// Execute routes a UI command by name and returns its JSON result.
func (c *Coordinator) Execute(ctx context.Context, command domain.Command, raw map[string]any) (json.RawMessage, error) {
	switch command {
	case domain.CommandStartRecording:
		return marshal(c.StartRecording(ctx, raw))
	case domain.CommandStopRecording:
		return c.StopRecording(ctx)
	case domain.CommandPauseRecording:
		return marshal(c.PauseRecording(ctx))
	case domain.CommandResumeRecording:
		return marshal(c.ResumeRecording(ctx))
	case domain.CommandGetStatus:
		return marshal(c.Status(ctx))
	case domain.CommandGetConnectionStatus:
		return json.Marshal(c.ConnectionStatus())
	case domain.CommandGetRecentRecordings:
		return c.RecentRecordings(ctx, raw)
	case domain.CommandStartPlayback:
		return c.StartPlayback(ctx, raw)
	}

	// Anything else, PING included, is a plain validated pass-through.
	params, err := c.validator.Validate(ctx, command, raw)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Dispatch(ctx, command, params, 0)
}

func marshal(v any, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Reconcile asks the backend whether the session the controller holds is
// still alive. A session the backend no longer knows is cleared and
// announced as stopped. A pause state that drifted is corrected.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	phase, sessionID := c.position()
	if phase != domain.PhaseRecording && phase != domain.PhasePaused {
		return nil
	}
	params, err := c.validator.Validate(ctx, domain.CommandGetStatus, nil)
	if err != nil {
		return err
	}
	data, err := c.dispatcher.Dispatch(ctx, domain.CommandGetStatus, params, 0)
	if err != nil {
		return err
	}
	c.reconcile(phase, sessionID, data)
	return nil
}

// reconcileAfter checks the session against the backend when a command
// was refused by it. The refusal may mean the backend lost the session.
func (c *Coordinator) reconcileAfter(ctx context.Context, cause error) {
	if !errors.Is(cause, domain.ErrBackend) {
		return
	}
	if err := c.Reconcile(ctx); err != nil {
		c.logger.Debug("reconcile failed", "error", err)
	}
}

func (c *Coordinator) position() (domain.RecordingPhase, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase, c.sessionID
}

// reconcile applies a GET_STATUS reply taken while the coordinator was at
// phase with sessionID. It does nothing if either moved since.
func (c *Coordinator) reconcile(phase domain.RecordingPhase, sessionID string, data json.RawMessage) {
	var status struct {
		Recording *bool  `json:"recording"`
		Paused    *bool  `json:"paused"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &status); err != nil || status.Recording == nil {
		return
	}

	c.mu.Lock()
	if c.phase != phase || c.sessionID != sessionID {
		c.mu.Unlock()
		return
	}
	if phase != domain.PhaseRecording && phase != domain.PhasePaused {
		c.mu.Unlock()
		return
	}

	if !*status.Recording || (status.SessionID != "" && status.SessionID != sessionID) {
		c.phase = domain.PhaseIdle
		c.stopFrom = ""
		c.sessionID = ""
		c.startTime = time.Time{}
		c.mu.Unlock()

		c.logger.Warn("backend no longer has the active session, clearing it",
			"session_id", sessionID, "backend_session_id", status.SessionID)
		c.notify(domain.EventRecordingStopped, map[string]any{
			"session_id": sessionID,
			"result":     nil,
			"reason":     "session lost by backend",
		})
		return
	}

	if status.Paused == nil || *status.Paused == (phase == domain.PhasePaused) {
		c.mu.Unlock()
		return
	}
	event := domain.EventRecordingResumed
	c.phase = domain.PhaseRecording
	if *status.Paused {
		event = domain.EventRecordingPaused
		c.phase = domain.PhasePaused
	}
	c.mu.Unlock()

	c.logger.Warn("pause state differed from backend, corrected", "session_id", sessionID, "paused", *status.Paused)
	c.notify(event, map[string]any{"session_id": sessionID})
}

func (c *Coordinator) revert(phase domain.RecordingPhase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	c.stopFrom = ""
}

func (c *Coordinator) notify(event domain.EventType, data map[string]any) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(domain.Event{Type: event, Ts: c.clock.Now().UnixMilli(), Data: data})
}

// sessionIDFrom takes the session id the backend assigned, or makes one up
// when it sent none. An id that later session commands would not pass
// validation with is refused.
func (c *Coordinator) sessionIDFrom(ctx context.Context, data json.RawMessage) (string, error) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.SessionID == "" {
		return "rec_" + uuid.NewString(), nil
	}
	if _, err := c.validator.Validate(ctx, domain.CommandStopRecording, map[string]any{"session_id": body.SessionID}); err != nil {
		return "", &domain.ProtocolError{
			Command: domain.CommandStartRecording,
			Detail:  fmt.Sprintf("backend returned unusable session id %q", body.SessionID),
		}
	}
	return body.SessionID, nil
}

func artifactPathFrom(data json.RawMessage) string {
	var body struct {
		ArtifactPath string `json:"artifact_path"`
		Path         string `json:"path"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.ArtifactPath != "" {
		return body.ArtifactPath
	}
	return body.Path
}
