package domain

import (
	"encoding/json"
	"time"
)

// Params is a validated command parameter map.
type Params map[string]any

// Request is an outbound backend request owned by the correlator until it
// is resolved.
type Request struct {
	ID        string
	Command   Command
	Params    Params
	CreatedAt time.Time
}

// ConnectionState describes reachability of the backend.
type ConnectionState struct {
	IsConnected    bool   `json:"is_connected"`
	LastError      string `json:"last_error,omitempty"`
	FallbackMode   bool   `json:"fallback_mode"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// RecordingState is the observable snapshot of the recording session.
type RecordingState struct {
	IsRecording bool       `json:"is_recording"`
	IsPaused    bool       `json:"is_paused"`
	SessionID   string     `json:"session_id,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
}

// Recording is a completed recording kept in the local history.
type Recording struct {
	SessionID    string          `json:"session_id"`
	StartedAt    time.Time       `json:"started_at"`
	StoppedAt    time.Time       `json:"stopped_at"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Event is a state-change notification delivered to observers.
type Event struct {
	Type EventType      `json:"event"`
	Ts   int64          `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}

// StatusSnapshot is the combined controller view returned to UI clients.
type StatusSnapshot struct {
	Recording  RecordingState  `json:"recording"`
	Connection ConnectionState `json:"connection"`
	Health     HealthState     `json:"health"`
	// Backend carries the backend's own GET_STATUS payload when it answered.
	Backend json.RawMessage `json:"backend,omitempty"`
	// Offline is set when the snapshot was synthesized locally.
	Offline bool `json:"offline"`
}
