// Package call coordinates the session registry, call state machines,
// presence broadcaster and call history ledger.
package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/callstate"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/event"
	"callbridge-backend/internal/presence"
	"callbridge-backend/internal/registry"
	"callbridge-backend/pkg/constants"
	"callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
	"callbridge-backend/pkg/pagination"
)

// HistoryStore is the ledger the service hands terminated sessions to
type HistoryStore interface {
	Record(ctx context.Context, entry *domain.CallHistoryEntry) error
	ListByUser(ctx context.Context, userID uuid.UUID, params *pagination.Params) ([]*domain.CallHistoryEntry, *pagination.Cursor, error)
}

// Notifier sends mobile push notifications for call events
type Notifier interface {
	SendIncomingCall(ctx context.Context, sessionID uuid.UUID, callerID uuid.UUID, callerName, kind string, calleeUserID uuid.UUID) error
	SendMissedCall(ctx context.Context, sessionID uuid.UUID, callerID uuid.UUID, callerName string, calleeUserID uuid.UUID) error
}

// Config holds service tunables
type Config struct {
	RingTimeout       time.Duration
	FinishedRetention time.Duration
}

// Service is the call coordinator
type Service struct {
	cfg         Config
	registry    *registry.Registry
	sessions    *callstate.Store
	broadcaster *presence.Broadcaster
	history     HistoryStore
	notifier    Notifier
	sink        event.Sink
	metrics     *metrics.Metrics
}

// NewService creates the coordinator and wires the registry's eviction
// cascade to it
func NewService(cfg Config, reg *registry.Registry, sessions *callstate.Store, broadcaster *presence.Broadcaster, history HistoryStore, notifier Notifier, sink event.Sink, m *metrics.Metrics) *Service {
	if cfg.FinishedRetention <= 0 {
		cfg.FinishedRetention = constants.FinishedSessionRetention
	}
	s := &Service{
		cfg:         cfg,
		registry:    reg,
		sessions:    sessions,
		broadcaster: broadcaster,
		history:     history,
		notifier:    notifier,
		sink:        sink,
		metrics:     m,
	}
	reg.SetEvictionHandler(s.HandleEndpointGone)
	return s
}

// RegisterInput contains endpoint registration data
type RegisterInput struct {
	UserID       uuid.UUID
	Capabilities []domain.Capability
}

// Register adds a live endpoint and publishes online presence
func (s *Service) Register(ctx context.Context, input *RegisterInput) (*domain.Endpoint, error) {
	endpoint, err := s.registry.Register(input.UserID, input.Capabilities)
	if err != nil {
		return nil, err
	}

	s.broadcaster.Publish(ctx, input.UserID, domain.PresenceOnline)

	logger.Info("Endpoint registered",
		zap.String("endpoint_id", endpoint.ID.String()),
		zap.String("user_id", input.UserID.String()))
	return endpoint, nil
}

// Heartbeat refreshes endpoint liveness
func (s *Service) Heartbeat(ctx context.Context, endpointID uuid.UUID) error {
	return s.registry.Heartbeat(endpointID)
}

// Deregister removes the endpoint and cascades failures into its active
// sessions
func (s *Service) Deregister(ctx context.Context, endpointID uuid.UUID, requesterUserID uuid.UUID) error {
	endpoint, err := s.registry.Get(endpointID)
	if err != nil {
		return err
	}
	if endpoint.UserID != requesterUserID {
		return errors.UnauthorizedError("Endpoint belongs to another user")
	}

	if _, err := s.registry.Deregister(endpointID); err != nil {
		return err
	}

	s.HandleEndpointGone(endpoint)
	return nil
}

// HandleEndpointGone applies the disconnect cascade for an endpoint that
// deregistered or was evicted by the liveness sweep: fail its active
// sessions, drop its subscriptions, and publish offline when it was the
// user's last endpoint.
func (s *Service) HandleEndpointGone(endpoint *domain.Endpoint) {
	ctx := context.Background()

	for _, session := range s.sessions.SessionsForEndpoint(endpoint.ID) {
		if err := session.Fail(ctx, domain.ReasonPeerDisconnected); err != nil {
			// Lost the race with another terminal transition; that
			// path owns finalization
			continue
		}
		s.publishTransition(session, domain.StateFailed, domain.ReasonPeerDisconnected)
		s.finalize(ctx, session)
	}

	s.broadcaster.DropObserver(endpoint.ID)

	if !s.registry.IsUserOnline(endpoint.UserID) {
		s.broadcaster.Publish(ctx, endpoint.UserID, domain.PresenceOffline)
	}
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	CallerEndpointID uuid.UUID
	CallerUserID     uuid.UUID
	CallerName       string
	CalleeUserID     uuid.UUID
	Kind             domain.CallKind
}

// Initiate starts a call attempt toward the callee's most recently
// registered idle endpoint
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (*callstate.Session, error) {
	caller, err := s.registry.Get(input.CallerEndpointID)
	if err != nil {
		return nil, err
	}
	if caller.UserID != input.CallerUserID {
		return nil, errors.UnauthorizedError("Endpoint belongs to another user")
	}
	if s.sessions.IsBusy(caller.ID) {
		return nil, errors.EndpointUnavailableError("Caller already has an active session")
	}

	callee := s.pickCalleeEndpoint(input.CalleeUserID, input.Kind)
	if callee == nil {
		return nil, errors.EndpointUnavailableError("Callee has no available endpoint")
	}

	session := callstate.NewSession(callstate.Params{
		CallerEndpointID: caller.ID,
		CalleeEndpointID: callee.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		CallerName:       input.CallerName,
		Kind:             input.Kind,
	}, s.cfg.RingTimeout, nil, s.handleRingTimeout)

	if !s.sessions.Add(session) {
		return nil, errors.EndpointUnavailableError("An active session already exists for this endpoint pair")
	}
	// Only an admitted session gets autonomous behavior
	session.StartRingTimer()
	if s.metrics != nil {
		s.metrics.SetActiveCalls(s.sessions.ActiveCount())
	}

	logger.Info("Call initiated",
		zap.String("session_id", session.ID.String()),
		zap.String("caller_endpoint_id", caller.ID.String()),
		zap.String("callee_endpoint_id", callee.ID.String()),
		zap.String("kind", string(input.Kind)))

	// The callee is addressable, so ring immediately
	if err := session.Ring(ctx); err == nil {
		s.publishTransition(session, domain.StateRinging, "")
	}

	if s.notifier != nil {
		go func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
			defer cancel()
			if err := s.notifier.SendIncomingCall(pushCtx, session.ID, session.CallerUserID, session.CallerName, string(session.Kind), session.CalleeUserID); err != nil {
				logger.Warn("Incoming-call push failed",
					zap.String("session_id", session.ID.String()),
					zap.Error(err))
			}
		}()
	}

	return session, nil
}

// pickCalleeEndpoint returns the callee's most recently registered endpoint
// that is not busy and supports the call kind, or nil
func (s *Service) pickCalleeEndpoint(calleeUserID uuid.UUID, kind domain.CallKind) *domain.Endpoint {
	required := domain.CapabilityVoice
	if kind == domain.KindVideo {
		required = domain.CapabilityVideo
	}

	for _, endpoint := range s.registry.EndpointsForUser(calleeUserID) {
		if s.sessions.IsBusy(endpoint.ID) {
			continue
		}
		if len(endpoint.Capabilities) > 0 && !endpoint.HasCapability(required) {
			continue
		}
		return endpoint
	}
	return nil
}

// Accept connects a ringing session. Only the callee endpoint may accept.
func (s *Service) Accept(ctx context.Context, sessionID, requesterEndpointID uuid.UUID) error {
	session := s.sessions.Get(sessionID)
	if session == nil {
		return errors.NotFoundError("Session")
	}

	if err := session.Accept(ctx, requesterEndpointID); err != nil {
		return err
	}

	s.publishTransition(session, domain.StateConnected, "")
	s.broadcaster.Publish(ctx, session.CallerUserID, domain.PresenceInCall)
	s.broadcaster.Publish(ctx, session.CalleeUserID, domain.PresenceInCall)
	return nil
}

// Decline rejects a ringing session. Only the callee endpoint may decline.
func (s *Service) Decline(ctx context.Context, sessionID, requesterEndpointID uuid.UUID) error {
	session := s.sessions.Get(sessionID)
	if session == nil {
		return errors.NotFoundError("Session")
	}

	if err := session.Decline(ctx, requesterEndpointID); err != nil {
		return err
	}

	s.publishTransition(session, domain.StateDeclined, "")
	return s.finalize(ctx, session)
}

// Terminate ends a session from any non-terminal state
func (s *Service) Terminate(ctx context.Context, sessionID, requesterEndpointID uuid.UUID) error {
	session := s.sessions.Get(sessionID)
	if session == nil {
		return errors.NotFoundError("Session")
	}

	if err := session.Terminate(ctx, requesterEndpointID); err != nil {
		return err
	}

	s.publishTransition(session, domain.StateEnded, "")
	return s.finalize(ctx, session)
}

// handleRingTimeout fires when a session rings unanswered past the timeout
func (s *Service) handleRingTimeout(session *callstate.Session) {
	ctx := context.Background()

	if err := session.Fail(ctx, domain.ReasonRingTimeout); err != nil {
		// Session reached a terminal state first; nothing to do
		return
	}

	logger.Info("Ring timeout",
		zap.String("session_id", session.ID.String()))

	s.publishTransition(session, domain.StateFailed, domain.ReasonRingTimeout)
	if err := s.finalize(ctx, session); err != nil {
		logger.Error("Failed to finalize timed-out session",
			zap.String("session_id", session.ID.String()),
			zap.Error(err))
	}
}

// publishTransition pushes a call_state event to both participants.
// Delivery is best effort: an unreachable participant just misses the
// event and recovers state on reconnect.
func (s *Service) publishTransition(session *callstate.Session, state domain.CallState, reason domain.FailureReason) {
	env := event.NewCallStateEvent(session.ID, event.CallStatePayload{
		State:  string(state),
		Reason: string(reason),
		Caller: session.CallerEndpointID.String(),
		Callee: session.CalleeEndpointID.String(),
		Kind:   string(session.Kind),
	})
	_ = s.sink.Deliver(session.CallerEndpointID, env)
	_ = s.sink.Deliver(session.CalleeEndpointID, env)
}

// finalize archives a terminated session: frees its busy indexes, writes
// the ledger entry exactly once, restores presence, and sends the
// missed-call push where the outcome calls for one. The in-memory terminal
// transition is never rolled back; a ledger failure surfaces as
// PERSISTENCE_ERROR.
func (s *Service) finalize(ctx context.Context, session *callstate.Session) error {
	if !session.ClaimRecord() {
		return nil
	}

	s.sessions.Release(session)
	if s.metrics != nil {
		s.metrics.SetActiveCalls(s.sessions.ActiveCount())
	}
	time.AfterFunc(s.cfg.FinishedRetention, func() {
		s.sessions.Remove(session)
	})

	for _, userID := range []uuid.UUID{session.CallerUserID, session.CalleeUserID} {
		if !s.registry.IsUserOnline(userID) {
			continue
		}
		if s.userInConnectedSession(userID) {
			// Another endpoint of this user is still on a call; keep in_call
			continue
		}
		s.broadcaster.Publish(ctx, userID, domain.PresenceOnline)
	}

	entry := session.HistoryEntry()

	if s.metrics != nil {
		s.metrics.RecordCall(string(entry.Kind), string(entry.Outcome))
		if entry.Duration != nil {
			s.metrics.RecordCallDuration(string(entry.Kind), time.Duration(*entry.Duration)*time.Second)
		}
		if entry.Outcome == domain.OutcomeFailed {
			s.metrics.RecordCallFailure(string(entry.Kind), string(session.FailureReason()))
		}
	}

	if s.notifier != nil && (entry.Outcome == domain.OutcomeMissed || entry.Outcome == domain.OutcomeDeclined) {
		go func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
			defer cancel()
			if err := s.notifier.SendMissedCall(pushCtx, session.ID, session.CallerUserID, session.CallerName, session.CalleeUserID); err != nil {
				logger.Warn("Missed-call push failed",
					zap.String("session_id", session.ID.String()),
					zap.Error(err))
			}
		}()
	}

	if err := s.history.Record(ctx, entry); err != nil {
		logger.Error("Ledger write failed",
			zap.String("session_id", session.ID.String()),
			zap.String("outcome", string(entry.Outcome)),
			zap.Error(err))
		return errors.PersistenceError(err)
	}

	return nil
}

// userInConnectedSession reports whether any of the user's endpoints is
// still a party to a connected session
func (s *Service) userInConnectedSession(userID uuid.UUID) bool {
	for _, endpoint := range s.registry.EndpointsForUser(userID) {
		for _, session := range s.sessions.SessionsForEndpoint(endpoint.ID) {
			if session.State() == domain.StateConnected {
				return true
			}
		}
	}
	return false
}

// History returns the user's call history, most recent first
func (s *Service) History(ctx context.Context, userID uuid.UUID, params *pagination.Params) ([]*domain.CallHistoryEntry, *pagination.Cursor, error) {
	return s.history.ListByUser(ctx, userID, params)
}

// Session returns the live session by id, or nil
func (s *Service) Session(sessionID uuid.UUID) *callstate.Session {
	return s.sessions.Get(sessionID)
}
