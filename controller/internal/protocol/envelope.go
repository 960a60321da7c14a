package protocol

import (
	"encoding/json"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
)

// Envelope is the frame exchanged with the backend in both directions.
// Requests carry Command and Params; responses carry Status and Data or
// Error.
type Envelope struct {
	ID        string                `json:"id"`
	Command   domain.Command        `json:"command,omitempty"`
	Params    domain.Params         `json:"params,omitempty"`
	Status    domain.ResponseStatus `json:"status,omitempty"`
	Data      json.RawMessage       `json:"data,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp int64                 `json:"timestamp"`
}

