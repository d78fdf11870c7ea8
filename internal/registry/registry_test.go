package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-backend/internal/domain"
	"callbridge-backend/pkg/errors"
)

func newTestRegistry(singleDevice bool) *Registry {
	return New(Config{
		HeartbeatTTL:  30 * time.Second,
		SweepInterval: 10 * time.Second,
		SingleDevice:  singleDevice,
	}, nil)
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(false)
	userID := uuid.New()

	endpoint, err := r.Register(userID, []domain.Capability{domain.CapabilityVoice})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, endpoint.ID)

	got, err := r.Get(endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
	assert.True(t, got.HasCapability(domain.CapabilityVoice))
	assert.False(t, got.HasCapability(domain.CapabilityVideo))
}

func TestRegister_MultiDeviceAllowedByDefault(t *testing.T) {
	r := newTestRegistry(false)
	userID := uuid.New()

	_, err := r.Register(userID, nil)
	require.NoError(t, err)
	_, err = r.Register(userID, nil)
	require.NoError(t, err)

	assert.Len(t, r.EndpointsForUser(userID), 2)
}

func TestRegister_SingleDevicePolicy(t *testing.T) {
	r := newTestRegistry(true)
	userID := uuid.New()

	_, err := r.Register(userID, nil)
	require.NoError(t, err)

	_, err = r.Register(userID, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDuplicateSession))
}

func TestHeartbeat_UnknownAfterDeregister(t *testing.T) {
	r := newTestRegistry(false)
	endpoint, err := r.Register(uuid.New(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(endpoint.ID))

	_, err = r.Deregister(endpoint.ID)
	require.NoError(t, err)

	err = r.Heartbeat(endpoint.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownEndpoint))
}

func TestDeregister_Unknown(t *testing.T) {
	r := newTestRegistry(false)

	_, err := r.Deregister(uuid.New())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownEndpoint))
}

func TestSweep_EvictsStaleEndpoints(t *testing.T) {
	r := New(Config{
		HeartbeatTTL:  10 * time.Millisecond,
		SweepInterval: time.Hour,
	}, nil)

	var evicted []*domain.Endpoint
	r.SetEvictionHandler(func(e *domain.Endpoint) {
		evicted = append(evicted, e)
	})

	stale, err := r.Register(uuid.New(), nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	fresh, err := r.Register(uuid.New(), nil)
	require.NoError(t, err)

	r.SweepOnce()

	_, err = r.Get(stale.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownEndpoint))

	_, err = r.Get(fresh.ID)
	assert.NoError(t, err)

	require.Len(t, evicted, 1)
	assert.Equal(t, stale.ID, evicted[0].ID)
}

func TestSweep_HeartbeatKeepsAlive(t *testing.T) {
	r := New(Config{
		HeartbeatTTL:  30 * time.Millisecond,
		SweepInterval: time.Hour,
	}, nil)

	endpoint, err := r.Register(uuid.New(), nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Heartbeat(endpoint.ID))
	time.Sleep(20 * time.Millisecond)

	r.SweepOnce()

	_, err = r.Get(endpoint.ID)
	assert.NoError(t, err)
}

func TestIsUserOnline(t *testing.T) {
	r := newTestRegistry(false)
	userID := uuid.New()

	assert.False(t, r.IsUserOnline(userID))

	endpoint, err := r.Register(userID, nil)
	require.NoError(t, err)
	assert.True(t, r.IsUserOnline(userID))

	_, err = r.Deregister(endpoint.ID)
	require.NoError(t, err)
	assert.False(t, r.IsUserOnline(userID))
}
