package callstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-backend/internal/domain"
	"callbridge-backend/pkg/errors"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return NewSession(Params{
		CallerEndpointID: uuid.New(),
		CalleeEndpointID: uuid.New(),
		CallerUserID:     uuid.New(),
		CalleeUserID:     uuid.New(),
		Kind:             domain.KindVoice,
	}, time.Hour, nil, nil)
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	assert.Equal(t, domain.StateInitiating, s.State())

	require.NoError(t, s.Ring(ctx))
	assert.Equal(t, domain.StateRinging, s.State())

	require.NoError(t, s.Accept(ctx, s.CalleeEndpointID))
	assert.Equal(t, domain.StateConnected, s.State())

	require.NoError(t, s.Terminate(ctx, s.CallerEndpointID))
	assert.Equal(t, domain.StateEnded, s.State())

	entry := s.HistoryEntry()
	assert.Equal(t, domain.OutcomeCompleted, entry.Outcome)
	require.NotNil(t, entry.Duration)

	history := s.History()
	require.Len(t, history, 4)
	assert.Equal(t, domain.StateInitiating, history[0].State)
	assert.Equal(t, domain.StateEnded, history[3].State)
}

func TestAccept_OnlyCallee(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.Ring(ctx))

	err := s.Accept(ctx, s.CallerEndpointID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
	assert.Equal(t, domain.StateRinging, s.State())
}

func TestAccept_InvalidFromInitiating(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	err := s.Accept(ctx, s.CalleeEndpointID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransition))
}

func TestDecline(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.Ring(ctx))

	require.NoError(t, s.Decline(ctx, s.CalleeEndpointID))
	assert.Equal(t, domain.StateDeclined, s.State())

	entry := s.HistoryEntry()
	assert.Equal(t, domain.OutcomeDeclined, entry.Outcome)
	assert.Nil(t, entry.Duration)
}

func TestTerminal_AllOperationsReturnSessionTerminated(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.Ring(ctx))
	require.NoError(t, s.Decline(ctx, s.CalleeEndpointID))

	assert.True(t, errors.IsCode(s.Ring(ctx), errors.ErrCodeSessionTerminated))
	assert.True(t, errors.IsCode(s.Accept(ctx, s.CalleeEndpointID), errors.ErrCodeSessionTerminated))
	assert.True(t, errors.IsCode(s.Decline(ctx, s.CalleeEndpointID), errors.ErrCodeSessionTerminated))
	assert.True(t, errors.IsCode(s.Terminate(ctx, s.CallerEndpointID), errors.ErrCodeSessionTerminated))
	assert.True(t, errors.IsCode(s.Fail(ctx, domain.ReasonPeerDisconnected), errors.ErrCodeSessionTerminated))
}

func TestTerminate_NonParticipant(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	err := s.Terminate(ctx, uuid.New())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestTerminate_EarlyFromRinging(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.Ring(ctx))

	require.NoError(t, s.Terminate(ctx, s.CallerEndpointID))
	assert.Equal(t, domain.StateEnded, s.State())

	entry := s.HistoryEntry()
	assert.Equal(t, domain.OutcomeMissed, entry.Outcome)
	assert.Nil(t, entry.Duration)
}

func TestFail_RingTimeoutOutcome(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.Ring(ctx))

	require.NoError(t, s.Fail(ctx, domain.ReasonRingTimeout))
	assert.Equal(t, domain.StateFailed, s.State())
	assert.Equal(t, domain.ReasonRingTimeout, s.FailureReason())

	entry := s.HistoryEntry()
	assert.Equal(t, domain.OutcomeMissed, entry.Outcome)
	assert.Nil(t, entry.Duration)
}

func TestFail_PeerDisconnectedOutcome(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.Ring(ctx))
	require.NoError(t, s.Accept(ctx, s.CalleeEndpointID))

	require.NoError(t, s.Fail(ctx, domain.ReasonPeerDisconnected))

	entry := s.HistoryEntry()
	assert.Equal(t, domain.OutcomeFailed, entry.Outcome)
}

func TestRingTimeout_Fires(t *testing.T) {
	fired := make(chan *Session, 1)
	s := NewSession(Params{
		CallerEndpointID: uuid.New(),
		CalleeEndpointID: uuid.New(),
		Kind:             domain.KindVoice,
	}, 10*time.Millisecond, nil, func(sess *Session) {
		fired <- sess
	})
	s.StartRingTimer()

	select {
	case got := <-fired:
		assert.Equal(t, s.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("ring timeout never fired")
	}
}

func TestRingTimer_ArmedOnlyAfterStart(t *testing.T) {
	fired := make(chan struct{}, 1)
	s := NewSession(Params{
		CallerEndpointID: uuid.New(),
		CalleeEndpointID: uuid.New(),
		Kind:             domain.KindVoice,
	}, 10*time.Millisecond, nil, func(*Session) {
		fired <- struct{}{}
	})

	select {
	case <-fired:
		t.Fatal("ring timeout fired before StartRingTimer")
	case <-time.After(50 * time.Millisecond):
	}

	s.StartRingTimer()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ring timeout never fired after StartRingTimer")
	}
}

func TestRingTimer_StartIsNoopAfterTerminal(t *testing.T) {
	ctx := context.Background()
	fired := make(chan struct{}, 1)
	s := NewSession(Params{
		CallerEndpointID: uuid.New(),
		CalleeEndpointID: uuid.New(),
		Kind:             domain.KindVoice,
	}, 10*time.Millisecond, nil, func(*Session) {
		fired <- struct{}{}
	})

	require.NoError(t, s.Ring(ctx))
	require.NoError(t, s.Decline(ctx, s.CalleeEndpointID))
	s.StartRingTimer()

	select {
	case <-fired:
		t.Fatal("ring timeout fired on a terminal session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRingTimeout_CancelledOnTerminal(t *testing.T) {
	ctx := context.Background()
	fired := make(chan struct{}, 1)
	s := NewSession(Params{
		CallerEndpointID: uuid.New(),
		CalleeEndpointID: uuid.New(),
		Kind:             domain.KindVoice,
	}, 30*time.Millisecond, nil, func(*Session) {
		fired <- struct{}{}
	})
	s.StartRingTimer()

	require.NoError(t, s.Ring(ctx))
	require.NoError(t, s.Decline(ctx, s.CalleeEndpointID))

	select {
	case <-fired:
		t.Fatal("ring timeout fired after terminal state")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClaimRecord_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	assert.False(t, s.ClaimRecord(), "claim before terminal must fail")

	require.NoError(t, s.Ring(ctx))
	require.NoError(t, s.Terminate(ctx, s.CallerEndpointID))

	var claims int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ClaimRecord() {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claims)
}

func TestConcurrentTerminate_OneWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.Ring(ctx))
	require.NoError(t, s.Accept(ctx, s.CalleeEndpointID))

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, requester := range []uuid.UUID{s.CallerEndpointID, s.CalleeEndpointID} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			results <- s.Terminate(ctx, id)
		}(requester)
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.IsCode(err, errors.ErrCodeSessionTerminated))
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)
}

func TestTransitionHandler_ObservesOrder(t *testing.T) {
	ctx := context.Background()
	var seen []domain.CallState
	s := NewSession(Params{
		CallerEndpointID: uuid.New(),
		CalleeEndpointID: uuid.New(),
		Kind:             domain.KindVideo,
	}, time.Hour, func(_ *Session, _, to domain.CallState, _ domain.FailureReason) {
		seen = append(seen, to)
	}, nil)

	require.NoError(t, s.Ring(ctx))
	require.NoError(t, s.Accept(ctx, s.CalleeEndpointID))
	require.NoError(t, s.Terminate(ctx, s.CalleeEndpointID))

	assert.Equal(t, []domain.CallState{
		domain.StateRinging, domain.StateConnected, domain.StateEnded,
	}, seen)
}

func TestStore_PairInvariant(t *testing.T) {
	st := NewStore()
	caller, callee := uuid.New(), uuid.New()

	a := NewSession(Params{CallerEndpointID: caller, CalleeEndpointID: callee, Kind: domain.KindVoice}, time.Hour, nil, nil)
	b := NewSession(Params{CallerEndpointID: caller, CalleeEndpointID: callee, Kind: domain.KindVoice}, time.Hour, nil, nil)

	assert.True(t, st.Add(a))
	assert.False(t, st.Add(b), "second active session for the same pair must be rejected")

	assert.True(t, st.IsBusy(caller))
	assert.True(t, st.IsBusy(callee))

	st.Remove(a)
	assert.False(t, st.IsBusy(caller))
	assert.True(t, st.Add(b))
}

func TestStore_ReleaseRejectedSessionKeepsWinner(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	caller, callee := uuid.New(), uuid.New()

	winner := NewSession(Params{CallerEndpointID: caller, CalleeEndpointID: callee, Kind: domain.KindVoice}, time.Hour, nil, nil)
	loser := NewSession(Params{CallerEndpointID: caller, CalleeEndpointID: callee, Kind: domain.KindVoice}, time.Hour, nil, nil)

	require.True(t, st.Add(winner))
	require.False(t, st.Add(loser))

	// A rejected session that fails and gets released must not evict the
	// admitted session's indexes
	require.NoError(t, loser.Fail(ctx, domain.ReasonRingTimeout))
	st.Release(loser)

	assert.Equal(t, 1, st.ActiveCount())
	assert.True(t, st.IsBusy(caller))
	assert.True(t, st.IsBusy(callee))

	another := NewSession(Params{CallerEndpointID: caller, CalleeEndpointID: callee, Kind: domain.KindVoice}, time.Hour, nil, nil)
	assert.False(t, st.Add(another), "pair index must still belong to the admitted session")
}

func TestStore_SessionsForEndpoint(t *testing.T) {
	st := NewStore()
	shared := uuid.New()

	a := NewSession(Params{CallerEndpointID: shared, CalleeEndpointID: uuid.New(), Kind: domain.KindVoice}, time.Hour, nil, nil)
	b := NewSession(Params{CallerEndpointID: uuid.New(), CalleeEndpointID: shared, Kind: domain.KindVoice}, time.Hour, nil, nil)

	require.True(t, st.Add(a))
	require.True(t, st.Add(b))

	assert.Len(t, st.SessionsForEndpoint(shared), 2)
	assert.Equal(t, 2, st.Count())
}
