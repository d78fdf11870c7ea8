// Package presence fans out user availability changes to subscribed
// endpoints.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/event"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// Store mirrors presence records to shared storage so the view survives a
// restart. Writes are best effort.
type Store interface {
	SetStatus(ctx context.Context, record *domain.PresenceRecord) error
}

// Broadcaster maintains per-user subscriber sets and publishes ordered
// status streams. Updates for one observed user reach each subscriber in
// occurrence order; no ordering holds across different observed users.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]map[uuid.UUID]struct{} // observed user -> observer endpoints
	byObserver  map[uuid.UUID]map[uuid.UUID]struct{} // observer endpoint -> observed users

	sink    event.Sink
	store   Store
	metrics *metrics.Metrics
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(sink event.Sink, store Store, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		byObserver:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
		sink:        sink,
		store:       store,
		metrics:     m,
	}
}

// Subscribe registers observerEndpointID for userID's status stream
func (b *Broadcaster) Subscribe(userID, observerEndpointID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[userID] == nil {
		b.subscribers[userID] = make(map[uuid.UUID]struct{})
	}
	b.subscribers[userID][observerEndpointID] = struct{}{}

	if b.byObserver[observerEndpointID] == nil {
		b.byObserver[observerEndpointID] = make(map[uuid.UUID]struct{})
	}
	b.byObserver[observerEndpointID][userID] = struct{}{}
}

// Unsubscribe removes one observation
func (b *Broadcaster) Unsubscribe(userID, observerEndpointID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(userID, observerEndpointID)
}

// DropObserver removes every subscription held by the endpoint; called when
// the endpoint deregisters or its connection dies
func (b *Broadcaster) DropObserver(observerEndpointID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for userID := range b.byObserver[observerEndpointID] {
		b.removeLocked(userID, observerEndpointID)
	}
}

// removeLocked deletes one observation from both indexes. Caller holds b.mu.
func (b *Broadcaster) removeLocked(userID, observerEndpointID uuid.UUID) {
	if set, ok := b.subscribers[userID]; ok {
		delete(set, observerEndpointID)
		if len(set) == 0 {
			delete(b.subscribers, userID)
		}
	}
	if set, ok := b.byObserver[observerEndpointID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(b.byObserver, observerEndpointID)
		}
	}
}

// Publish records the status change and fans it out to current subscribers.
// Fanout happens under the broadcaster lock, which serializes publishes for
// the same observed user into each subscriber's queue in order.
func (b *Broadcaster) Publish(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) {
	record := &domain.PresenceRecord{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	}

	if b.store != nil {
		if err := b.store.SetStatus(ctx, record); err != nil {
			logger.Warn("Presence mirror write failed",
				zap.String("user_id", userID.String()),
				zap.String("status", string(status)),
				zap.Error(err))
		}
	}

	env := event.NewPresenceEvent(userID, event.PresencePayload{
		Status:   string(status),
		LastSeen: record.LastSeen,
	})

	b.mu.Lock()
	observers := make([]uuid.UUID, 0, len(b.subscribers[userID]))
	for observer := range b.subscribers[userID] {
		observers = append(observers, observer)
	}
	for _, observer := range observers {
		// Best effort: a dead observer just misses the update
		_ = b.sink.Deliver(observer, env)
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordPresenceEvent(string(status))
	}
}

// SubscriberCount returns the number of endpoints observing the user
func (b *Broadcaster) SubscriberCount(userID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[userID])
}
