// Package callstate implements the per-call state machine. One Session
// exists per call attempt; all mutation is linearized by a per-session
// mutex so racing accept/decline/terminate calls resolve cleanly.
package callstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"callbridge-backend/internal/domain"
	"callbridge-backend/pkg/errors"
)

// FSM event names
const (
	eventRing    = "ring"
	eventAccept  = "accept"
	eventDecline = "decline"
	eventHangup  = "hangup"
	eventFail    = "fail"
)

func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(domain.StateInitiating),
		fsm.Events{
			{Name: eventRing, Src: []string{string(domain.StateInitiating)}, Dst: string(domain.StateRinging)},
			{Name: eventAccept, Src: []string{string(domain.StateRinging)}, Dst: string(domain.StateConnected)},
			{Name: eventDecline, Src: []string{string(domain.StateInitiating), string(domain.StateRinging)}, Dst: string(domain.StateDeclined)},
			{Name: eventHangup, Src: []string{string(domain.StateInitiating), string(domain.StateRinging), string(domain.StateConnected)}, Dst: string(domain.StateEnded)},
			{Name: eventFail, Src: []string{string(domain.StateInitiating), string(domain.StateRinging), string(domain.StateConnected)}, Dst: string(domain.StateFailed)},
		}, nil,
	)
}

// TransitionHandler observes every successful state change. Invoked under
// the session lock, so observations arrive in transition order.
type TransitionHandler func(s *Session, from, to domain.CallState, reason domain.FailureReason)

// Session is one call attempt between exactly two endpoints
type Session struct {
	ID               uuid.UUID
	CallerEndpointID uuid.UUID
	CalleeEndpointID uuid.UUID
	CallerUserID     uuid.UUID
	CalleeUserID     uuid.UUID
	CallerName       string
	Kind             domain.CallKind
	CreatedAt        time.Time

	mu            sync.Mutex
	machine       *fsm.FSM
	history       []domain.Transition
	connectedAt   *time.Time
	endedAt       *time.Time
	failureReason domain.FailureReason
	ringTimer     *time.Timer
	ringTimeout   time.Duration
	recorded      bool

	onTransition  TransitionHandler
	onRingTimeout func(*Session)
}

// Params carries the immutable attributes of a new session
type Params struct {
	CallerEndpointID uuid.UUID
	CalleeEndpointID uuid.UUID
	CallerUserID     uuid.UUID
	CalleeUserID     uuid.UUID
	CallerName       string
	Kind             domain.CallKind
}

// NewSession creates a session in the initiating state. The ring timer is
// NOT armed yet: the caller must invoke StartRingTimer once the session has
// been admitted to the store, so a session rejected by the pair invariant
// never develops autonomous behavior.
func NewSession(p Params, ringTimeout time.Duration, onTransition TransitionHandler, onRingTimeout func(*Session)) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:               uuid.New(),
		CallerEndpointID: p.CallerEndpointID,
		CalleeEndpointID: p.CalleeEndpointID,
		CallerUserID:     p.CallerUserID,
		CalleeUserID:     p.CalleeUserID,
		CallerName:       p.CallerName,
		Kind:             p.Kind,
		CreatedAt:        now,
		machine:          newCallFSM(),
		history:          []domain.Transition{{State: domain.StateInitiating, Timestamp: now}},
		ringTimeout:      ringTimeout,
		onTransition:     onTransition,
		onRingTimeout:    onRingTimeout,
	}
}

// StartRingTimer arms the unanswered-call timer. Idempotent; a no-op on
// sessions that already reached a terminal state. onRingTimeout fires at
// most once, and never after the session has reached a terminal state.
func (s *Session) StartRingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ringTimer != nil || s.onRingTimeout == nil {
		return
	}
	if domain.CallState(s.machine.Current()).IsTerminal() {
		return
	}
	s.ringTimer = time.AfterFunc(s.ringTimeout, func() {
		s.onRingTimeout(s)
	})
}

// State returns the current lifecycle state
func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CallState(s.machine.Current())
}

// History returns a copy of the ordered transition history
func (s *Session) History() []domain.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transition, len(s.history))
	copy(out, s.history)
	return out
}

// IsParticipant reports whether the endpoint is one of the session's two
// parties
func (s *Session) IsParticipant(endpointID uuid.UUID) bool {
	return endpointID == s.CallerEndpointID || endpointID == s.CalleeEndpointID
}

// PeerOf returns the other participant's endpoint id
func (s *Session) PeerOf(endpointID uuid.UUID) uuid.UUID {
	if endpointID == s.CallerEndpointID {
		return s.CalleeEndpointID
	}
	return s.CallerEndpointID
}

// Ring moves initiating -> ringing once the callee has been notified
func (s *Session) Ring(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ctx, eventRing, "ring", "")
}

// Accept moves ringing -> connected. Only the callee may accept.
func (s *Session) Accept(ctx context.Context, requesterEndpointID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requesterEndpointID != s.CalleeEndpointID {
		return errors.UnauthorizedError("Only the callee may accept the call")
	}
	if err := s.apply(ctx, eventAccept, "accept", ""); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.connectedAt = &now
	return nil
}

// Decline moves to the declined terminal state. Only the callee may decline.
func (s *Session) Decline(ctx context.Context, requesterEndpointID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requesterEndpointID != s.CalleeEndpointID {
		return errors.UnauthorizedError("Only the callee may decline the call")
	}
	return s.apply(ctx, eventDecline, "decline", "")
}

// Terminate ends the session from any non-terminal state. The requester
// must be one of the two participants. Concurrent terminates are sequenced
// by the session lock; the loser gets SESSION_TERMINATED.
func (s *Session) Terminate(ctx context.Context, requesterEndpointID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsParticipant(requesterEndpointID) {
		return errors.UnauthorizedError("Requester is not a participant of this session")
	}
	return s.apply(ctx, eventHangup, "terminate", "")
}

// Fail moves to the failed terminal state with the given reason. Used by
// the ring timer and the disconnect cascade; never caller-initiated.
func (s *Session) Fail(ctx context.Context, reason domain.FailureReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ctx, eventFail, "fail", reason)
}

// apply runs one transition. Caller holds s.mu.
func (s *Session) apply(ctx context.Context, event, op string, reason domain.FailureReason) error {
	from := domain.CallState(s.machine.Current())
	if from.IsTerminal() {
		return errors.SessionTerminatedError()
	}
	if !s.machine.Can(event) {
		return errors.InvalidTransitionError(string(from), op)
	}
	if err := s.machine.Event(ctx, event); err != nil {
		return errors.InvalidTransitionError(string(from), op)
	}

	to := domain.CallState(s.machine.Current())
	now := time.Now().UTC()
	s.history = append(s.history, domain.Transition{State: to, Timestamp: now})

	if to.IsTerminal() {
		s.endedAt = &now
		s.failureReason = reason
		if s.ringTimer != nil {
			s.ringTimer.Stop()
			s.ringTimer = nil
		}
	}

	if s.onTransition != nil {
		s.onTransition(s, from, to, reason)
	}
	return nil
}

// ClaimRecord returns true exactly once, when the session first reaches a
// terminal state, guarding the single ledger write against racing
// terminal-transition attempts.
func (s *Session) ClaimRecord() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recorded || !domain.CallState(s.machine.Current()).IsTerminal() {
		return false
	}
	s.recorded = true
	return true
}

// FailureReason returns the recorded failure reason, if any
func (s *Session) FailureReason() domain.FailureReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureReason
}

// HistoryEntry builds the immutable ledger record for a terminated session
func (s *Session) HistoryEntry() *domain.CallHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &domain.CallHistoryEntry{
		SessionID:    s.ID,
		CallerUserID: s.CallerUserID,
		CalleeUserID: s.CalleeUserID,
		Kind:         s.Kind,
		Outcome:      s.outcomeLocked(),
		StartedAt:    s.CreatedAt,
	}
	if s.endedAt != nil {
		entry.EndedAt = *s.endedAt
	}
	if s.connectedAt != nil && s.endedAt != nil {
		seconds := int(s.endedAt.Sub(*s.connectedAt).Seconds())
		entry.Duration = &seconds
	}
	return entry
}

// outcomeLocked classifies the terminal state for the ledger. Caller holds
// s.mu.
func (s *Session) outcomeLocked() domain.CallOutcome {
	switch domain.CallState(s.machine.Current()) {
	case domain.StateDeclined:
		return domain.OutcomeDeclined
	case domain.StateFailed:
		if s.failureReason == domain.ReasonRingTimeout {
			return domain.OutcomeMissed
		}
		return domain.OutcomeFailed
	case domain.StateEnded:
		if s.connectedAt == nil {
			// Caller hung up before the callee answered
			return domain.OutcomeMissed
		}
		return domain.OutcomeCompleted
	}
	return domain.OutcomeFailed
}
