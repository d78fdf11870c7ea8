package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-backend/internal/callstate"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/event"
	"callbridge-backend/pkg/errors"
)

// recordingSink captures delivered envelopes per endpoint
type recordingSink struct {
	mu          sync.Mutex
	delivered   map[uuid.UUID][]event.Envelope
	unreachable map[uuid.UUID]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		delivered:   make(map[uuid.UUID][]event.Envelope),
		unreachable: make(map[uuid.UUID]bool),
	}
}

func (s *recordingSink) Deliver(endpointID uuid.UUID, env event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable[endpointID] {
		return errors.DeliveryFailedError()
	}
	s.delivered[endpointID] = append(s.delivered[endpointID], env)
	return nil
}

func (s *recordingSink) IsReachable(endpointID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unreachable[endpointID]
}

func (s *recordingSink) envelopesFor(endpointID uuid.UUID) []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[endpointID]
}

func setupRouter(t *testing.T) (*Router, *callstate.Session, *recordingSink) {
	t.Helper()
	store := callstate.NewStore()
	session := callstate.NewSession(callstate.Params{
		CallerEndpointID: uuid.New(),
		CalleeEndpointID: uuid.New(),
		Kind:             domain.KindVideo,
	}, time.Hour, nil, nil)
	require.True(t, store.Add(session))

	sink := newRecordingSink()
	return NewRouter(store, sink, nil), session, sink
}

func TestRelay_DeliversToPeerOnly(t *testing.T) {
	ctx := context.Background()
	router, session, sink := setupRouter(t)

	payload := json.RawMessage(`{"sdp":"offer"}`)
	require.NoError(t, router.Relay(ctx, session.ID, session.CallerEndpointID, payload))

	calleeEvents := sink.envelopesFor(session.CalleeEndpointID)
	require.Len(t, calleeEvents, 1)
	assert.Equal(t, event.TypeSignal, calleeEvents[0].Type)

	var sp event.SignalPayload
	require.NoError(t, json.Unmarshal(calleeEvents[0].Payload, &sp))
	assert.Equal(t, session.CallerEndpointID.String(), sp.FromEndpointID)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(sp.Data))

	assert.Empty(t, sink.envelopesFor(session.CallerEndpointID))
}

func TestRelay_FIFOPerSender(t *testing.T) {
	ctx := context.Background()
	router, session, sink := setupRouter(t)

	payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for _, p := range payloads {
		require.NoError(t, router.Relay(ctx, session.ID, session.CallerEndpointID, json.RawMessage(p)))
	}

	got := sink.envelopesFor(session.CalleeEndpointID)
	require.Len(t, got, 3)
	for i, env := range got {
		var sp event.SignalPayload
		require.NoError(t, json.Unmarshal(env.Payload, &sp))
		assert.JSONEq(t, payloads[i], string(sp.Data))
	}
}

func TestRelay_NotAParticipant(t *testing.T) {
	ctx := context.Background()
	router, session, _ := setupRouter(t)

	err := router.Relay(ctx, session.ID, uuid.New(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotAParticipant))
}

func TestRelay_TerminalSession(t *testing.T) {
	ctx := context.Background()
	router, session, _ := setupRouter(t)

	require.NoError(t, session.Ring(ctx))
	require.NoError(t, session.Terminate(ctx, session.CallerEndpointID))

	err := router.Relay(ctx, session.ID, session.CallerEndpointID, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionNotActive))
}

func TestRelay_UnknownSession(t *testing.T) {
	ctx := context.Background()
	router, _, _ := setupRouter(t)

	err := router.Relay(ctx, uuid.New(), uuid.New(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionNotActive))
}

func TestRelay_PeerUnreachable(t *testing.T) {
	ctx := context.Background()
	router, session, sink := setupRouter(t)
	sink.unreachable[session.CalleeEndpointID] = true

	err := router.Relay(ctx, session.ID, session.CallerEndpointID, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDeliveryFailed))
}
