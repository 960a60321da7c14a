package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/clock"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/policy"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/store"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/validator"
)

type dispatched struct {
	command domain.Command
	params  domain.Params
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatched
	replies map[domain.Command]func(domain.Params) (json.RawMessage, error)
	gates   map[domain.Command]chan struct{}
	entered chan domain.Command
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		replies: map[domain.Command]func(domain.Params) (json.RawMessage, error){
			domain.CommandStartRecording: func(domain.Params) (json.RawMessage, error) {
				return json.RawMessage(`{"session_id":"rec_42"}`), nil
			},
			domain.CommandStopRecording: func(p domain.Params) (json.RawMessage, error) {
				return json.RawMessage(`{"artifact_path":"/recordings/` + p["session_id"].(string) + `.mkd"}`), nil
			},
		},
		gates:   map[domain.Command]chan struct{}{},
		entered: make(chan domain.Command, 16),
	}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, command domain.Command, params domain.Params, _ time.Duration) (json.RawMessage, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dispatched{command: command, params: params})
	gate := d.gates[command]
	reply := d.replies[command]
	d.mu.Unlock()

	d.entered <- command
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply == nil {
		return json.RawMessage(`{}`), nil
	}
	return reply(params)
}

func (d *fakeDispatcher) gate(command domain.Command) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.gates[command] = ch
	return ch
}

func (d *fakeDispatcher) reply(command domain.Command, f func(domain.Params) (json.RawMessage, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[command] = f
}

func (d *fakeDispatcher) commands() []domain.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Command, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.command
	}
	return out
}

type fakeConnectivity struct {
	mu    sync.Mutex
	state domain.ConnectionState
}

func (f *fakeConnectivity) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnectivity) Health() domain.HealthState {
	if f.State().FallbackMode {
		return domain.HealthFallback
	}
	return domain.HealthHealthy
}

func (f *fakeConnectivity) setFallback(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = domain.ConnectionState{FallbackMode: true, FallbackReason: reason, LastError: reason}
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Notify(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	coord    *Coordinator
	dispatch *fakeDispatcher
	conn     *fakeConnectivity
	events   *eventLog
	history  *store.SQLiteStore
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	history, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	f := &fixture{
		dispatch: newFakeDispatcher(),
		conn:     &fakeConnectivity{state: domain.ConnectionState{IsConnected: true}},
		events:   &eventLog{},
		history:  history,
		clock:    clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.coord = New(Options{
		Dispatcher:   f.dispatch,
		Validator:    validator.New(engine),
		Connectivity: f.conn,
		Notifier:     f.events,
		History:      history,
		Clock:        f.clock,
	})
	return f
}

func TestRecordingRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.coord.StartRecording(ctx, map[string]any{"name": "demo", "frame_rate": 30})
	require.NoError(t, err)
	assert.True(t, state.IsRecording)
	assert.Equal(t, "rec_42", state.SessionID)
	require.NotNil(t, state.StartTime)

	state, err = f.coord.PauseRecording(ctx)
	require.NoError(t, err)
	assert.True(t, state.IsPaused)

	state, err = f.coord.ResumeRecording(ctx)
	require.NoError(t, err)
	assert.False(t, state.IsPaused)
	assert.True(t, state.IsRecording)

	f.clock.Advance(time.Minute)
	result, err := f.coord.StopRecording(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifact_path":"/recordings/rec_42.mkd"}`, string(result))

	assert.Equal(t, domain.RecordingState{}, f.coord.State())
	assert.Equal(t, domain.PhaseIdle, f.coord.Phase())
	assert.Equal(t, []domain.EventType{
		domain.EventRecordingStarted,
		domain.EventRecordingPaused,
		domain.EventRecordingResumed,
		domain.EventRecordingStopped,
	}, f.events.types())

	f.dispatch.mu.Lock()
	stop := f.dispatch.calls[len(f.dispatch.calls)-1]
	f.dispatch.mu.Unlock()
	assert.Equal(t, domain.Params{"session_id": "rec_42"}, stop.params)

	rec, err := f.history.GetRecording(ctx, "rec_42")
	require.NoError(t, err)
	assert.Equal(t, "/recordings/rec_42.mkd", rec.ArtifactPath)
	assert.Equal(t, time.Minute, rec.StoppedAt.Sub(rec.StartedAt))
}

func TestStoppedEventCarriesResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)
	_, err = f.coord.StopRecording(ctx)
	require.NoError(t, err)

	f.events.mu.Lock()
	stopped := f.events.events[1]
	f.events.mu.Unlock()
	assert.Equal(t, map[string]any{"artifact_path": "/recordings/rec_42.mkd"}, stopped.Data["result"])
}

func TestDoubleStartYieldsOneRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := f.dispatch.gate(domain.CommandStartRecording)

	first := make(chan error, 1)
	go func() {
		_, err := f.coord.StartRecording(ctx, nil)
		first <- err
	}()
	<-f.dispatch.entered
	assert.Equal(t, domain.PhaseStarting, f.coord.Phase())
	assert.Equal(t, domain.RecordingState{}, f.coord.State())

	_, err := f.coord.StartRecording(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyRecording)

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, []domain.Command{domain.CommandStartRecording}, f.dispatch.commands())
	assert.Equal(t, []domain.EventType{domain.EventRecordingStarted}, f.events.types())

	_, err = f.coord.StartRecording(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyRecording)
}

func TestPauseFromIdleIsInvalid(t *testing.T) {
	f := newFixture(t)

	state, err := f.coord.PauseRecording(context.Background())

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	var terr *domain.TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, domain.PhaseIdle, terr.From)
	assert.Equal(t, domain.RecordingState{}, state)
	assert.Equal(t, domain.RecordingState{}, f.coord.State())
	assert.Empty(t, f.dispatch.commands())
	assert.Empty(t, f.events.types())
}

func TestResumeWhileRecordingIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)

	_, err = f.coord.ResumeRecording(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.PhaseRecording, f.coord.Phase())
}

func TestStopWhenIdle(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.StopRecording(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoActiveRecording)
	assert.Empty(t, f.dispatch.commands())
}

func TestStopDuringPauseIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)
	<-f.dispatch.entered

	release := f.dispatch.gate(domain.CommandPauseRecording)
	paused := make(chan error, 1)
	go func() {
		_, err := f.coord.PauseRecording(ctx)
		paused <- err
	}()
	<-f.dispatch.entered

	_, err = f.coord.StopRecording(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	close(release)
	require.NoError(t, <-paused)
	assert.True(t, f.coord.State().IsPaused)
}

func TestFailedTransitionsRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatch.reply(domain.CommandStartRecording, func(domain.Params) (json.RawMessage, error) {
		return nil, &domain.BackendError{Command: domain.CommandStartRecording, Message: "no screen access"}
	})

	_, err := f.coord.StartRecording(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrBackend)
	assert.Equal(t, domain.PhaseIdle, f.coord.Phase())

	f.dispatch.reply(domain.CommandStartRecording, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"session_id":"rec_7"}`), nil
	})
	_, err = f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)

	f.dispatch.reply(domain.CommandStopRecording, func(domain.Params) (json.RawMessage, error) {
		return nil, &domain.TimeoutError{Command: domain.CommandStopRecording, Elapsed: 30 * time.Second}
	})
	_, err = f.coord.StopRecording(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.PhaseRecording, f.coord.Phase())
	assert.Equal(t, "rec_7", f.coord.State().SessionID)

	assert.Equal(t, []domain.EventType{domain.EventRecordingStarted}, f.events.types())
}

func TestInvalidParamsNeverDispatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.StartRecording(context.Background(), map[string]any{"frame_rate": 120})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, f.dispatch.commands())
	assert.Equal(t, domain.PhaseIdle, f.coord.Phase())
}

func TestFallbackShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.history.SaveRecording(ctx, &domain.Recording{
		SessionID: "rec_old",
		StartedAt: time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC),
		StoppedAt: time.Date(2026, 4, 30, 8, 5, 0, 0, time.UTC),
	}))
	f.conn.setFallback("backend unreachable after 3 retries")

	_, err := f.coord.StartRecording(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrFallbackUnavailable)
	_, err = f.coord.StartPlayback(ctx, map[string]any{"recording_id": "rec_old"})
	assert.ErrorIs(t, err, domain.ErrFallbackUnavailable)

	snapshot, err := f.coord.Status(ctx)
	require.NoError(t, err)
	assert.True(t, snapshot.Offline)
	assert.True(t, snapshot.Connection.FallbackMode)
	assert.Equal(t, domain.HealthFallback, snapshot.Health)

	recent, err := f.coord.RecentRecordings(ctx, map[string]any{"limit": 5})
	require.NoError(t, err)
	var body struct {
		Recordings []domain.Recording `json:"recordings"`
		Offline    bool               `json:"offline"`
	}
	require.NoError(t, json.Unmarshal(recent, &body))
	assert.True(t, body.Offline)
	require.Len(t, body.Recordings, 1)
	assert.Equal(t, "rec_old", body.Recordings[0].SessionID)

	assert.True(t, f.coord.ConnectionStatus().FallbackMode)
	assert.Empty(t, f.dispatch.commands())
}

func TestStatusAsksBackendWhenHealthy(t *testing.T) {
	f := newFixture(t)
	f.dispatch.reply(domain.CommandGetStatus, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"engine":"ready"}`), nil
	})

	snapshot, err := f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, snapshot.Offline)
	assert.JSONEq(t, `{"engine":"ready"}`, string(snapshot.Backend))
	assert.Equal(t, []domain.Command{domain.CommandGetStatus}, f.dispatch.commands())
}

func TestPlaybackRefusedWhileRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)

	_, err = f.coord.StartPlayback(ctx, map[string]any{"recording_id": "rec_1", "speed": 2})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExecuteRoutesCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data, err := f.coord.Execute(ctx, domain.CommandGetConnectionStatus, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_connected":true,"fallback_mode":false}`, string(data))
	assert.Empty(t, f.dispatch.commands())

	f.dispatch.reply(domain.CommandPing, func(p domain.Params) (json.RawMessage, error) {
		assert.Empty(t, p)
		return json.RawMessage(`"pong"`), nil
	})
	data, err = f.coord.Execute(ctx, domain.CommandPing, map[string]any{"ignored": true})
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(data))

	data, err = f.coord.Execute(ctx, domain.CommandStartRecording, nil)
	require.NoError(t, err)
	var state domain.RecordingState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "rec_42", state.SessionID)

	_, err = f.coord.Execute(ctx, "SELF_DESTRUCT", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGeneratedSessionIDWhenBackendOmitsIt(t *testing.T) {
	f := newFixture(t)
	f.dispatch.reply(domain.CommandStartRecording, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	state, err := f.coord.StartRecording(context.Background(), nil)
	require.NoError(t, err)
	assert.Regexp(t, `^rec_[0-9a-f-]{36}$`, state.SessionID)
}

func TestUnusableBackendSessionIDFailsStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatch.reply(domain.CommandStartRecording, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"session_id":"session.2026-05-01"}`), nil
	})

	state, err := f.coord.StartRecording(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.Contains(t, err.Error(), "session.2026-05-01")
	assert.Equal(t, domain.RecordingState{}, state)
	assert.Equal(t, domain.PhaseIdle, f.coord.Phase())
	assert.Empty(t, f.events.types())

	f.dispatch.reply(domain.CommandStartRecording, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"session_id":"rec_43"}`), nil
	})
	_, err = f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)
	_, err = f.coord.StopRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.EventType{domain.EventRecordingStarted, domain.EventRecordingStopped}, f.events.types())
}

func TestStartWhileRecordingReportsAlreadyRecordingFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)

	state, err := f.coord.StartRecording(ctx, map[string]any{"frame_rate": 120})
	assert.ErrorIs(t, err, domain.ErrAlreadyRecording)
	assert.Equal(t, "rec_42", state.SessionID)
	assert.Equal(t, []domain.Command{domain.CommandStartRecording}, f.dispatch.commands())
}

func TestStopRefusedByBackendClearsLostSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)

	// The backend restarted and no longer knows rec_42.
	f.dispatch.reply(domain.CommandStopRecording, func(domain.Params) (json.RawMessage, error) {
		return nil, &domain.BackendError{Command: domain.CommandStopRecording, Message: "no recording in progress"}
	})
	f.dispatch.reply(domain.CommandGetStatus, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"version":"1","recording":false}`), nil
	})

	_, err = f.coord.StopRecording(ctx)
	assert.ErrorIs(t, err, domain.ErrBackend)
	assert.Equal(t, domain.PhaseIdle, f.coord.Phase())
	assert.Equal(t, domain.RecordingState{}, f.coord.State())
	assert.Equal(t, []domain.EventType{domain.EventRecordingStarted, domain.EventRecordingStopped}, f.events.types())
	assert.Equal(t, []domain.Command{
		domain.CommandStartRecording,
		domain.CommandStopRecording,
		domain.CommandGetStatus,
	}, f.dispatch.commands())

	f.events.mu.Lock()
	stopped := f.events.events[1]
	f.events.mu.Unlock()
	assert.Equal(t, "rec_42", stopped.Data["session_id"])
	assert.Nil(t, stopped.Data["result"])

	_, err = f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)
}

func TestPauseRefusedByLiveSessionKeepsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)

	f.dispatch.reply(domain.CommandPauseRecording, func(domain.Params) (json.RawMessage, error) {
		return nil, &domain.BackendError{Command: domain.CommandPauseRecording, Message: "encoder busy"}
	})
	f.dispatch.reply(domain.CommandGetStatus, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"recording":true,"paused":false,"session_id":"rec_42"}`), nil
	})

	_, err = f.coord.PauseRecording(ctx)
	assert.ErrorIs(t, err, domain.ErrBackend)
	assert.Equal(t, domain.PhaseRecording, f.coord.Phase())
	assert.Equal(t, "rec_42", f.coord.State().SessionID)
	assert.Equal(t, []domain.EventType{domain.EventRecordingStarted}, f.events.types())
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name   string
		status string
		phase  domain.RecordingPhase
		events []domain.EventType
	}{
		{
			name:   "backend agrees",
			status: `{"recording":true,"paused":false,"session_id":"rec_42"}`,
			phase:  domain.PhaseRecording,
			events: []domain.EventType{domain.EventRecordingStarted},
		},
		{
			name:   "backend idle",
			status: `{"recording":false}`,
			phase:  domain.PhaseIdle,
			events: []domain.EventType{domain.EventRecordingStarted, domain.EventRecordingStopped},
		},
		{
			name:   "backend on another session",
			status: `{"recording":true,"session_id":"rec_99"}`,
			phase:  domain.PhaseIdle,
			events: []domain.EventType{domain.EventRecordingStarted, domain.EventRecordingStopped},
		},
		{
			name:   "backend paused",
			status: `{"recording":true,"paused":true,"session_id":"rec_42"}`,
			phase:  domain.PhasePaused,
			events: []domain.EventType{domain.EventRecordingStarted, domain.EventRecordingPaused},
		},
		{
			name:   "reply without recording flag",
			status: `{"engine":"ready"}`,
			phase:  domain.PhaseRecording,
			events: []domain.EventType{domain.EventRecordingStarted},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.coord.StartRecording(ctx, nil)
			require.NoError(t, err)
			f.dispatch.reply(domain.CommandGetStatus, func(domain.Params) (json.RawMessage, error) {
				return json.RawMessage(tt.status), nil
			})

			require.NoError(t, f.coord.Reconcile(ctx))
			assert.Equal(t, tt.phase, f.coord.Phase())
			assert.Equal(t, tt.events, f.events.types())
		})
	}
}

func TestReconcileWhenIdleDoesNotDispatch(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.Reconcile(context.Background()))
	assert.Empty(t, f.dispatch.commands())
}

func TestReconcileIgnoresStaleReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)
	<-f.dispatch.entered

	release := f.dispatch.gate(domain.CommandGetStatus)
	f.dispatch.reply(domain.CommandGetStatus, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"recording":true,"paused":false,"session_id":"rec_42"}`), nil
	})
	done := make(chan error, 1)
	go func() { done <- f.coord.Reconcile(ctx) }()
	<-f.dispatch.entered

	// The user pauses while the status request is outstanding.
	_, err = f.coord.PauseRecording(ctx)
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, domain.PhasePaused, f.coord.Phase())
	assert.Equal(t, []domain.EventType{domain.EventRecordingStarted, domain.EventRecordingPaused}, f.events.types())
}

func TestStatusReplyReconcilesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)
	f.dispatch.reply(domain.CommandGetStatus, func(domain.Params) (json.RawMessage, error) {
		return json.RawMessage(`{"recording":false}`), nil
	})

	snapshot, err := f.coord.Status(ctx)
	require.NoError(t, err)
	assert.False(t, snapshot.Recording.IsRecording)
	assert.Equal(t, domain.PhaseIdle, f.coord.Phase())
}

func TestFallbackBlocksOnlyMutatingCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.StartRecording(ctx, nil)
	require.NoError(t, err)
	f.conn.setFallback("backend unreachable after 3 retries")

	_, err = f.coord.PauseRecording(ctx)
	assert.ErrorIs(t, err, domain.ErrFallbackUnavailable)
	_, err = f.coord.StopRecording(ctx)
	assert.ErrorIs(t, err, domain.ErrFallbackUnavailable)
	assert.Equal(t, domain.PhaseRecording, f.coord.Phase())

	_, err = f.coord.Execute(ctx, domain.CommandPing, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.Command{domain.CommandStartRecording, domain.CommandPing}, f.dispatch.commands())
}
