// Package event defines the envelope pushed to clients over the event
// channel and the sink interface the core components deliver through.
package event

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSinkUnreachable is returned by Deliver when the endpoint has no live
// connection to receive the event.
var ErrSinkUnreachable = errors.New("endpoint has no reachable connection")

// Type discriminates event payloads on the push channel
type Type string

const (
	TypeCallState Type = "call_state"
	TypeSignal    Type = "signal"
	TypePresence  Type = "presence"
)

// Envelope wraps every server-to-client push. Seq is stamped by the
// delivering connection: monotonically increasing per channel so the client
// can detect gaps.
type Envelope struct {
	Seq       uint64          `json:"seq"`
	Type      Type            `json:"type"`
	SessionID *uuid.UUID      `json:"session_id,omitempty"`
	UserID    *uuid.UUID      `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// CallStatePayload describes a session state transition
type CallStatePayload struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	Caller string `json:"caller_endpoint_id"`
	Callee string `json:"callee_endpoint_id"`
	Kind   string `json:"kind"`
}

// SignalPayload carries a relayed negotiation blob, verbatim
type SignalPayload struct {
	FromEndpointID string          `json:"from_endpoint_id"`
	Data           json.RawMessage `json:"data"`
}

// PresencePayload describes an observed user's availability change
type PresencePayload struct {
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Sink delivers events to a live endpoint connection. Deliver reports an
// error when the endpoint has no reachable connection; events already
// accepted are delivered in FIFO order per connection.
type Sink interface {
	Deliver(endpointID uuid.UUID, env Envelope) error
	IsReachable(endpointID uuid.UUID) bool
}

// NewCallStateEvent builds a call_state envelope
func NewCallStateEvent(sessionID uuid.UUID, p CallStatePayload) Envelope {
	raw, _ := json.Marshal(p)
	return Envelope{
		Type:      TypeCallState,
		SessionID: &sessionID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

// NewSignalEvent builds a signal envelope
func NewSignalEvent(sessionID uuid.UUID, p SignalPayload) Envelope {
	raw, _ := json.Marshal(p)
	return Envelope{
		Type:      TypeSignal,
		SessionID: &sessionID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

// NewPresenceEvent builds a presence envelope
func NewPresenceEvent(userID uuid.UUID, p PresencePayload) Envelope {
	raw, _ := json.Marshal(p)
	return Envelope{
		Type:      TypePresence,
		UserID:    &userID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}
