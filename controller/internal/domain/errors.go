package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrTimeout             = errors.New("request timed out")
	ErrChannelClosed       = errors.New("channel closed")
	ErrBackend             = errors.New("backend error")
	ErrProtocol            = errors.New("protocol error")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAlreadyRecording    = errors.New("a recording is already in progress")
	ErrNoActiveRecording   = errors.New("no active recording")
	ErrFallbackUnavailable = errors.New("backend not available: the automation backend is not responding, make sure it is installed and running")
)

// ValidationError rejects a command or parameter before it reaches the
// transport.
type ValidationError struct {
	Command string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid command %q: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("invalid %s.%s: %s", e.Command, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TimeoutError is returned when no reply arrived before the deadline.
type TimeoutError struct {
	Command Command
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ChannelClosedError rejects requests that were pending when the channel
// went away.
type ChannelClosedError struct {
	Command Command
	Cause   error
}

func (e *ChannelClosedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: channel closed", e.Command)
	}
	return fmt.Sprintf("%s: channel closed: %v", e.Command, e.Cause)
}

func (e *ChannelClosedError) Is(target error) bool { return target == ErrChannelClosed }

func (e *ChannelClosedError) Unwrap() error { return e.Cause }

// BackendError carries a message the backend returned with status ERROR.
type BackendError struct {
	Command Command
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// ProtocolError reports a reply the controller could not interpret.
type ProtocolError struct {
	Command Command
	Detail  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %s", e.Command, e.Detail)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TransitionError is a recording state machine guard violation.
type TransitionError struct {
	Operation string
	From      RecordingPhase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Operation, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// IsTransportFailure reports whether err means the backend could not be
// reached, as opposed to the backend rejecting the request.
func IsTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBackend) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrUnreachable)
}

// ErrUnreachable marks open and send failures raised below the correlator.
var ErrUnreachable = errors.New("backend unreachable")

// Error codes sent to UI clients.
const (
	CodeValidation          = "validation_error"
	CodeTimeout             = "timeout"
	CodeChannelClosed       = "channel_closed"
	CodeUnreachable         = "backend_unreachable"
	CodeBackend             = "backend_error"
	CodeProtocol            = "protocol_error"
	CodeInvalidTransition   = "invalid_transition"
	CodeAlreadyRecording    = "already_recording"
	CodeNoActiveRecording   = "no_active_recording"
	CodeFallbackUnavailable = "fallback_unavailable"
	CodeInternal            = "internal_error"
)

// ErrorCode maps an error to the code reported to UI clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrFallbackUnavailable):
		return CodeFallbackUnavailable
	case errors.Is(err, ErrAlreadyRecording):
		return CodeAlreadyRecording
	case errors.Is(err, ErrNoActiveRecording):
		return CodeNoActiveRecording
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrChannelClosed):
		return CodeChannelClosed
	case errors.Is(err, ErrUnreachable):
		return CodeUnreachable
	case errors.Is(err, ErrBackend):
		return CodeBackend
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	}
	return CodeInternal
}
