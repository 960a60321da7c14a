// Package domain defines the core types shared by the controller components.
package domain

// Command is a backend command name.
type Command string

const (
	CommandStartRecording      Command = "START_RECORDING"
	CommandStopRecording       Command = "STOP_RECORDING"
	CommandPauseRecording      Command = "PAUSE_RECORDING"
	CommandResumeRecording     Command = "RESUME_RECORDING"
	CommandGetStatus           Command = "GET_STATUS"
	CommandGetConnectionStatus Command = "GET_CONNECTION_STATUS"
	CommandGetRecentRecordings Command = "GET_RECENT_RECORDINGS"
	CommandStartPlayback       Command = "START_PLAYBACK"
	CommandPing                Command = "PING"
)

// Mutating reports whether the command changes backend state. Mutating
// commands fail fast while the controller is in fallback mode.
func (c Command) Mutating() bool {
	switch c {
	case CommandStartRecording, CommandStopRecording, CommandPauseRecording,
		CommandResumeRecording, CommandStartPlayback:
		return true
	}
	return false
}

// ResponseStatus is the discriminator on a backend reply.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "SUCCESS"
	StatusError   ResponseStatus = "ERROR"
)

// EventType is the type of a state-change notification sent to observers.
type EventType string

const (
	EventRecordingStarted   EventType = "RECORDING_STARTED"
	EventRecordingStopped   EventType = "RECORDING_STOPPED"
	EventRecordingPaused    EventType = "RECORDING_PAUSED"
	EventRecordingResumed   EventType = "RECORDING_RESUMED"
	EventFallbackModeChange EventType = "FALLBACK_MODE_CHANGE"
)

// RecordingPhase is the recording state machine position. The transitional
// phases are held while a command is awaiting its backend reply.
type RecordingPhase string

const (
	PhaseIdle      RecordingPhase = "IDLE"
	PhaseStarting  RecordingPhase = "STARTING"
	PhaseRecording RecordingPhase = "RECORDING"
	PhasePausing   RecordingPhase = "PAUSING"
	PhasePaused    RecordingPhase = "PAUSED"
	PhaseResuming  RecordingPhase = "RESUMING"
	PhaseStopping  RecordingPhase = "STOPPING"
)

// Transitional reports whether a backend command is in flight for this phase.
func (p RecordingPhase) Transitional() bool {
	switch p {
	case PhaseStarting, PhasePausing, PhaseResuming, PhaseStopping:
		return true
	}
	return false
}

// HealthState is the connection monitor state.
type HealthState string

const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED"
	HealthFallback HealthState = "FALLBACK"
)
