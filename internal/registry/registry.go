// Package registry tracks connected endpoints and their liveness.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// Config holds registry tunables
type Config struct {
	HeartbeatTTL  time.Duration
	SweepInterval time.Duration
	SingleDevice  bool
}

// EvictionHandler is invoked, outside the registry lock, for every endpoint
// removed by the liveness sweep. The call service uses it to cascade
// failures into active sessions and publish offline presence.
type EvictionHandler func(endpoint *domain.Endpoint)

// Registry is the authoritative in-memory endpoint table. It is transient
// by design: clients re-register after a restart.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]*domain.Endpoint
	byUser    map[uuid.UUID]map[uuid.UUID]struct{}

	cfg     Config
	onEvict EvictionHandler
	metrics *metrics.Metrics
}

// New creates an empty registry
func New(cfg Config, m *metrics.Metrics) *Registry {
	return &Registry{
		endpoints: make(map[uuid.UUID]*domain.Endpoint),
		byUser:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
		cfg:       cfg,
		metrics:   m,
	}
}

// SetEvictionHandler installs the sweep cascade hook. Must be called before
// StartSweep.
func (r *Registry) SetEvictionHandler(h EvictionHandler) {
	r.onEvict = h
}

// Register adds a live endpoint for the user. With single-device policy
// enabled, a second live endpoint for the same user is rejected with
// DUPLICATE_SESSION.
func (r *Registry) Register(userID uuid.UUID, capabilities []domain.Capability) (*domain.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.SingleDevice && len(r.byUser[userID]) > 0 {
		return nil, errors.DuplicateSessionError()
	}

	now := time.Now().UTC()
	endpoint := &domain.Endpoint{
		ID:            uuid.New(),
		UserID:        userID,
		Capabilities:  capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	r.endpoints[endpoint.ID] = endpoint
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[uuid.UUID]struct{})
	}
	r.byUser[userID][endpoint.ID] = struct{}{}

	if r.metrics != nil {
		r.metrics.SetLiveEndpoints(len(r.endpoints))
	}

	return endpoint, nil
}

// Heartbeat refreshes the endpoint's liveness timestamp
func (r *Registry) Heartbeat(endpointID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoint, ok := r.endpoints[endpointID]
	if !ok {
		return errors.UnknownEndpointError()
	}

	endpoint.LastHeartbeat = time.Now().UTC()
	if r.metrics != nil {
		r.metrics.RecordHeartbeat()
	}
	return nil
}

// Deregister removes the endpoint and returns it so the caller can cascade
// session failures and presence updates
func (r *Registry) Deregister(endpointID uuid.UUID) (*domain.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoint, ok := r.endpoints[endpointID]
	if !ok {
		return nil, errors.UnknownEndpointError()
	}

	r.remove(endpoint)
	return endpoint, nil
}

// remove deletes the endpoint from both indexes. Caller holds the lock.
func (r *Registry) remove(endpoint *domain.Endpoint) {
	delete(r.endpoints, endpoint.ID)
	if set, ok := r.byUser[endpoint.UserID]; ok {
		delete(set, endpoint.ID)
		if len(set) == 0 {
			delete(r.byUser, endpoint.UserID)
		}
	}
	if r.metrics != nil {
		r.metrics.SetLiveEndpoints(len(r.endpoints))
	}
}

// Get returns the endpoint, or UNKNOWN_ENDPOINT if it is not live
func (r *Registry) Get(endpointID uuid.UUID) (*domain.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoint, ok := r.endpoints[endpointID]
	if !ok {
		return nil, errors.UnknownEndpointError()
	}
	return endpoint, nil
}

// EndpointsForUser returns the user's live endpoints, most recently
// registered first
func (r *Registry) EndpointsForUser(userID uuid.UUID) []*domain.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Endpoint, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, r.endpoints[id])
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RegisteredAt.After(out[j-1].RegisteredAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// IsUserOnline reports whether the user has at least one live endpoint
func (r *Registry) IsUserOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of live endpoints
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// StartSweep runs the liveness sweep until the context is cancelled
func (r *Registry) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep evicts endpoints whose heartbeat is older than the TTL, applying
// the same failure cascade as explicit deregistration
func (r *Registry) sweep() {
	cutoff := time.Now().UTC().Add(-r.cfg.HeartbeatTTL)

	r.mu.Lock()
	var evicted []*domain.Endpoint
	for _, endpoint := range r.endpoints {
		if endpoint.LastHeartbeat.Before(cutoff) {
			evicted = append(evicted, endpoint)
		}
	}
	for _, endpoint := range evicted {
		r.remove(endpoint)
	}
	r.mu.Unlock()

	if len(evicted) == 0 {
		return
	}

	if r.metrics != nil {
		r.metrics.RecordSweptEndpoints(len(evicted))
	}

	for _, endpoint := range evicted {
		logger.Info("Evicted stale endpoint",
			zap.String("endpoint_id", endpoint.ID.String()),
			zap.String("user_id", endpoint.UserID.String()),
			zap.Time("last_heartbeat", endpoint.LastHeartbeat))
		if r.onEvict != nil {
			r.onEvict(endpoint)
		}
	}
}

// SweepOnce runs a single sweep pass; exposed for tests
func (r *Registry) SweepOnce() {
	r.sweep()
}
