package validator

import (
	"regexp"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
)

type kind int

const (
	kindText kind = iota
	kindNumber
	kindInt
	kindBool
	kindSessionID
	kindColor
)

func (k kind) String() string {
	switch k {
	case kindText:
		return "text"
	case kindNumber:
		return "number"
	case kindInt:
		return "integer"
	case kindBool:
		return "boolean"
	case kindSessionID:
		return "session identifier"
	case kindColor:
		return "color"
	}
	return "unknown"
}

// field is one accepted parameter. For text, max is a rune count; for
// numbers, [min, max] is a closed range.
type field struct {
	name     string
	kind     kind
	required bool
	min, max float64
}

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	colorPattern     = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// markupPattern matches from a '<' to the next '>' or, when unclosed, to
// the end of the text.
var markupPattern = regexp.MustCompile(`<[^>]*(?:>|$)`)

var sessionField = field{name: "session_id", kind: kindSessionID, required: true}

// rules lists the accepted parameters per command. Anything else is dropped.
var rules = map[domain.Command][]field{
	domain.CommandStartRecording: {
		{name: "name", kind: kindText, max: 100},
		{name: "description", kind: kindText, max: 500},
		{name: "frame_rate", kind: kindNumber, min: 1, max: 60},
		{name: "border_color", kind: kindColor},
		{name: "show_border", kind: kindBool},
		{name: "capture_video", kind: kindBool},
		{name: "capture_audio", kind: kindBool},
		{name: "capture_mouse", kind: kindBool},
		{name: "capture_keyboard", kind: kindBool},
	},
	domain.CommandStopRecording:   {sessionField},
	domain.CommandPauseRecording:  {sessionField},
	domain.CommandResumeRecording: {sessionField},
	domain.CommandGetRecentRecordings: {
		{name: "limit", kind: kindInt, min: 1, max: 100},
	},
	domain.CommandStartPlayback: {
		{name: "recording_id", kind: kindSessionID, required: true},
		{name: "speed", kind: kindNumber, min: 0.1, max: 10},
		{name: "loop", kind: kindBool},
	},
	domain.CommandGetStatus:           nil,
	domain.CommandGetConnectionStatus: nil,
	domain.CommandPing:                nil,
}
