package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallState is the lifecycle state of a call session
type CallState string

const (
	StateInitiating CallState = "initiating"
	StateRinging    CallState = "ringing"
	StateConnected  CallState = "connected"
	StateEnded      CallState = "ended"
	StateDeclined   CallState = "declined"
	StateFailed     CallState = "failed"
)

// IsTerminal reports whether the state admits no further transitions
func (s CallState) IsTerminal() bool {
	switch s {
	case StateEnded, StateDeclined, StateFailed:
		return true
	}
	return false
}

// CallKind distinguishes voice from video calls
type CallKind string

const (
	KindVoice CallKind = "voice"
	KindVideo CallKind = "video"
)

// FailureReason explains why a session reached the failed state
type FailureReason string

const (
	ReasonRingTimeout      FailureReason = "ring_timeout"
	ReasonPeerDisconnected FailureReason = "peer_disconnected"
	ReasonNegotiation      FailureReason = "negotiation_failed"
)

// Transition is one entry in a session's ordered state history
type Transition struct {
	State     CallState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// CallOutcome is the ledger classification of a finished call
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeMissed    CallOutcome = "missed"
	OutcomeDeclined  CallOutcome = "declined"
	OutcomeFailed    CallOutcome = "failed"
)

// CallHistoryEntry is the immutable ledger record written exactly once per
// session at termination
type CallHistoryEntry struct {
	SessionID    uuid.UUID   `json:"session_id"`
	CallerUserID uuid.UUID   `json:"caller_user_id"`
	CalleeUserID uuid.UUID   `json:"callee_user_id"`
	Kind         CallKind    `json:"kind"`
	Outcome      CallOutcome `json:"outcome"`
	// Duration is seconds of connected time; nil when the call never connected
	Duration  *int      `json:"duration,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}
