package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callbridge-backend/internal/callstate"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/event"
	"callbridge-backend/internal/presence"
	"callbridge-backend/internal/registry"
	"callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/pagination"
)

// MockHistoryStore is a mock implementation of HistoryStore
type MockHistoryStore struct {
	mock.Mock
}

func (m *MockHistoryStore) Record(ctx context.Context, entry *domain.CallHistoryEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockHistoryStore) ListByUser(ctx context.Context, userID uuid.UUID, params *pagination.Params) ([]*domain.CallHistoryEntry, *pagination.Cursor, error) {
	args := m.Called(ctx, userID, params)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	var cursor *pagination.Cursor
	if args.Get(1) != nil {
		cursor = args.Get(1).(*pagination.Cursor)
	}
	return args.Get(0).([]*domain.CallHistoryEntry), cursor, args.Error(2)
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendIncomingCall(ctx context.Context, sessionID uuid.UUID, callerID uuid.UUID, callerName, kind string, calleeUserID uuid.UUID) error {
	args := m.Called(ctx, sessionID, callerID, callerName, kind, calleeUserID)
	return args.Error(0)
}

func (m *MockNotifier) SendMissedCall(ctx context.Context, sessionID uuid.UUID, callerID uuid.UUID, callerName string, calleeUserID uuid.UUID) error {
	args := m.Called(ctx, sessionID, callerID, callerName, calleeUserID)
	return args.Error(0)
}

// stubSink collects delivered envelopes per endpoint
type stubSink struct {
	mu        sync.Mutex
	delivered map[uuid.UUID][]event.Envelope
}

func newStubSink() *stubSink {
	return &stubSink{delivered: make(map[uuid.UUID][]event.Envelope)}
}

func (s *stubSink) Deliver(endpointID uuid.UUID, env event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[endpointID] = append(s.delivered[endpointID], env)
	return nil
}

func (s *stubSink) IsReachable(uuid.UUID) bool { return true }

func (s *stubSink) count(endpointID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered[endpointID])
}

func (s *stubSink) envelopes(endpointID uuid.UUID) []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Envelope, len(s.delivered[endpointID]))
	copy(out, s.delivered[endpointID])
	return out
}

type fixture struct {
	svc         *Service
	reg         *registry.Registry
	store       *callstate.Store
	sink        *stubSink
	broadcaster *presence.Broadcaster
	history     *MockHistoryStore
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	t.Helper()

	reg := registry.New(registry.Config{
		HeartbeatTTL:  30 * time.Second,
		SweepInterval: 10 * time.Second,
	}, nil)
	store := callstate.NewStore()
	sink := newStubSink()
	broadcaster := presence.NewBroadcaster(sink, nil, nil)
	history := &MockHistoryStore{}

	svc := NewService(Config{
		RingTimeout:       ringTimeout,
		FinishedRetention: time.Hour,
	}, reg, store, broadcaster, history, nil, sink, nil)

	return &fixture{svc: svc, reg: reg, store: store, sink: sink, broadcaster: broadcaster, history: history}
}

func (f *fixture) registerPair(t *testing.T) (*domain.Endpoint, *domain.Endpoint) {
	t.Helper()
	caller, err := f.svc.Register(context.Background(), &RegisterInput{UserID: uuid.New()})
	require.NoError(t, err)
	callee, err := f.svc.Register(context.Background(), &RegisterInput{UserID: uuid.New()})
	require.NoError(t, err)
	return caller, callee
}

func TestCallLifecycle_Completed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	f.history.On("Record", mock.Anything, mock.MatchedBy(func(e *domain.CallHistoryEntry) bool {
		return e.Outcome == domain.OutcomeCompleted && e.Duration != nil
	})).Return(nil).Once()

	session, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CallerName:       "Alice",
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRinging, session.State())

	require.NoError(t, f.svc.Accept(ctx, session.ID, callee.ID))
	assert.Equal(t, domain.StateConnected, session.State())

	require.NoError(t, f.svc.Terminate(ctx, session.ID, callee.ID))
	assert.Equal(t, domain.StateEnded, session.State())

	f.history.AssertExpectations(t)
}

func TestInitiate_CalleeNotRegistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, err := f.svc.Register(ctx, &RegisterInput{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     uuid.New(),
		Kind:             domain.KindVoice,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEndpointUnavailable))
}

func TestInitiate_CalleeBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	f.history.On("Record", mock.Anything, mock.Anything).Return(nil)

	session, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Accept(ctx, session.ID, callee.ID))

	third, err := f.svc.Register(ctx, &RegisterInput{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: third.ID,
		CallerUserID:     third.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEndpointUnavailable))
}

func TestInitiate_CallerBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	_, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)

	other, err := f.svc.Register(ctx, &RegisterInput{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     other.UserID,
		Kind:             domain.KindVoice,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEndpointUnavailable))
}

func TestInitiate_WrongOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	_, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     uuid.New(),
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestDecline_RecordsDeclinedOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	f.history.On("Record", mock.Anything, mock.MatchedBy(func(e *domain.CallHistoryEntry) bool {
		return e.Outcome == domain.OutcomeDeclined && e.Duration == nil
	})).Return(nil).Once()

	session, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Decline(ctx, session.ID, callee.ID))
	assert.Equal(t, domain.StateDeclined, session.State())

	f.history.AssertExpectations(t)
}

func TestRingTimeout_FailsSessionAndNotifiesBoth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Millisecond)
	caller, callee := f.registerPair(t)

	recorded := make(chan *domain.CallHistoryEntry, 1)
	f.history.On("Record", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded <- args.Get(1).(*domain.CallHistoryEntry)
	}).Return(nil).Once()

	session, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)

	select {
	case entry := <-recorded:
		assert.Equal(t, domain.OutcomeMissed, entry.Outcome)
		assert.Nil(t, entry.Duration)
	case <-time.After(time.Second):
		t.Fatal("ledger entry never recorded after ring timeout")
	}

	assert.Equal(t, domain.StateFailed, session.State())
	assert.Equal(t, domain.ReasonRingTimeout, session.FailureReason())

	// Both participants got the ringing and failed transitions
	assert.GreaterOrEqual(t, f.sink.count(caller.ID), 2)
	assert.GreaterOrEqual(t, f.sink.count(callee.ID), 2)
}

func TestDeregister_CascadesPeerDisconnected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	f.history.On("Record", mock.Anything, mock.MatchedBy(func(e *domain.CallHistoryEntry) bool {
		return e.Outcome == domain.OutcomeFailed
	})).Return(nil).Once()

	session, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Accept(ctx, session.ID, callee.ID))

	require.NoError(t, f.svc.Deregister(ctx, callee.ID, callee.UserID))

	assert.Equal(t, domain.StateFailed, session.State())
	assert.Equal(t, domain.ReasonPeerDisconnected, session.FailureReason())
	f.history.AssertExpectations(t)

	// The evicted endpoint is gone from the registry
	err = f.svc.Heartbeat(ctx, callee.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownEndpoint))
}

func TestTerminate_AfterTerminalIsSessionTerminated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	f.history.On("Record", mock.Anything, mock.Anything).Return(nil).Once()

	session, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Terminate(ctx, session.ID, caller.ID))

	err = f.svc.Terminate(ctx, session.ID, callee.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionTerminated))

	// Exactly one ledger entry despite the second terminate
	f.history.AssertNumberOfCalls(t, "Record", 1)
}

func TestFinalize_LedgerFailureSurfacesWithoutRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	f.history.On("Record", mock.Anything, mock.Anything).
		Return(assert.AnError).Once()

	session, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)

	err = f.svc.Terminate(ctx, session.ID, caller.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodePersistence))

	// The in-memory transition stands
	assert.Equal(t, domain.StateEnded, session.State())
}

func TestInitiate_RejectedSessionLeavesWinnerIntact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	winner, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Accept(ctx, winner.ID, callee.ID))

	// A racing initiate that loses the store admission must stay inert:
	// its ring timer is never armed, so nothing can later fail it,
	// release the winner's indexes, or write a ledger entry for it
	loser := callstate.NewSession(callstate.Params{
		CallerEndpointID: caller.ID,
		CalleeEndpointID: callee.ID,
		CallerUserID:     caller.UserID,
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVoice,
	}, 10*time.Millisecond, nil, f.svc.handleRingTimeout)
	require.False(t, f.store.Add(loser))

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, domain.StateInitiating, loser.State())
	assert.Equal(t, domain.StateConnected, winner.State())
	assert.Equal(t, 1, f.store.ActiveCount())
	assert.True(t, f.store.IsBusy(caller.ID))
	f.history.AssertNumberOfCalls(t, "Record", 0)
}

func TestFinalize_KeepsInCallPresenceAcrossDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	bUserID := uuid.New()
	_, err := f.svc.Register(ctx, &RegisterInput{UserID: bUserID})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, &RegisterInput{UserID: bUserID})
	require.NoError(t, err)

	a, err := f.svc.Register(ctx, &RegisterInput{UserID: uuid.New()})
	require.NoError(t, err)
	c, err := f.svc.Register(ctx, &RegisterInput{UserID: uuid.New()})
	require.NoError(t, err)

	f.history.On("Record", mock.Anything, mock.Anything).Return(nil)

	first, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: a.ID,
		CallerUserID:     a.UserID,
		CalleeUserID:     bUserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Accept(ctx, first.ID, first.CalleeEndpointID))

	second, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: c.ID,
		CallerUserID:     c.UserID,
		CalleeUserID:     bUserID,
		Kind:             domain.KindVoice,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Accept(ctx, second.ID, second.CalleeEndpointID))

	observer, err := f.svc.Register(ctx, &RegisterInput{UserID: uuid.New()})
	require.NoError(t, err)
	f.broadcaster.Subscribe(bUserID, observer.ID)

	// Ending the first call must not downgrade the user to online while
	// their other device is still connected on the second call
	require.NoError(t, f.svc.Terminate(ctx, first.ID, a.ID))

	for _, env := range f.sink.envelopes(observer.ID) {
		if env.Type != event.TypePresence {
			continue
		}
		var p event.PresencePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.NotEqual(t, string(domain.PresenceOnline), p.Status,
			"user still on a call must not be reported online")
	}
}

func TestInitiate_SendsIncomingCallPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	caller, callee := f.registerPair(t)

	notifier := &MockNotifier{}
	done := make(chan struct{})
	notifier.On("SendIncomingCall", mock.Anything, mock.Anything, caller.UserID, "Alice", "video", callee.UserID).
		Run(func(mock.Arguments) { close(done) }).
		Return(nil).Once()
	f.svc.notifier = notifier

	_, err := f.svc.Initiate(ctx, &InitiateInput{
		CallerEndpointID: caller.ID,
		CallerUserID:     caller.UserID,
		CallerName:       "Alice",
		CalleeUserID:     callee.UserID,
		Kind:             domain.KindVideo,
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("incoming-call push never sent")
	}
	notifier.AssertExpectations(t)
}
