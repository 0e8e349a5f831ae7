package middleware

import (
	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/session"
)

// Status describes the middleware as a whole.
type Status int

const (
	// StatusIdle is the state before hydration.
	StatusIdle Status = iota

	// StatusHydrating is set while persisted state is loaded.
	StatusHydrating

	// StatusReady means the middleware can serve Invoke.
	StatusReady

	// StatusError means the last operation failed. Previously valid state
	// is kept and the next call may recover.
	StatusError
)

var allStatuses = []string{"idle", "hydrating", "ready", "error"}

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusHydrating:
		return "hydrating"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Phase tracks the channel or the session independently.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseOpening
	PhaseOpen
	PhaseExpiredOrInvalid
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseOpening:
		return "opening"
	case PhaseOpen:
		return "open"
	case PhaseExpiredOrInvalid:
		return "expired-or-invalid"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Snapshot is a point-in-time view of the middleware, safe to log.
type Snapshot struct {
	Status    Status `json:"status"`
	LastError string `json:"lastError,omitempty"`
	Hydrated  bool   `json:"hydrated"`

	ChannelPhase Phase            `json:"channelPhase"`
	Channel      *channel.Summary `json:"channel,omitempty"`

	SessionPhase Phase            `json:"sessionPhase"`
	Session      *session.Summary `json:"session,omitempty"`
}
