// Package signaling relays negotiation payloads between the two
// participants of a call session.
package signaling

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/callstate"
	"callbridge-backend/internal/event"
	"callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// Router delivers payloads verbatim to the peer endpoint. Ordering is FIFO
// per sender-session pair: Relay writes synchronously into the receiver's
// connection queue, so call order is delivery order. Delivery is
// at-most-once; an unreachable peer means the payload is dropped and the
// sender gets DELIVERY_FAILED.
type Router struct {
	sessions *callstate.Store
	sink     event.Sink
	metrics  *metrics.Metrics
}

// NewRouter creates a signaling router
func NewRouter(sessions *callstate.Store, sink event.Sink, m *metrics.Metrics) *Router {
	return &Router{
		sessions: sessions,
		sink:     sink,
		metrics:  m,
	}
}

// Relay forwards payload from the sender to the other participant of the
// session
func (r *Router) Relay(ctx context.Context, sessionID, fromEndpointID uuid.UUID, payload json.RawMessage) error {
	session := r.sessions.Get(sessionID)
	if session == nil {
		return errors.SessionNotActiveError()
	}
	if !session.IsParticipant(fromEndpointID) {
		return errors.NotAParticipantError()
	}
	if session.State().IsTerminal() {
		return errors.SessionNotActiveError()
	}

	peer := session.PeerOf(fromEndpointID)
	env := event.NewSignalEvent(sessionID, event.SignalPayload{
		FromEndpointID: fromEndpointID.String(),
		Data:           payload,
	})

	if err := r.sink.Deliver(peer, env); err != nil {
		if r.metrics != nil {
			r.metrics.RecordSignalRelay("dropped")
		}
		logger.Warn("Signaling payload dropped, peer unreachable",
			zap.String("session_id", sessionID.String()),
			zap.String("from_endpoint_id", fromEndpointID.String()),
			zap.String("peer_endpoint_id", peer.String()))
		return errors.DeliveryFailedError()
	}

	if r.metrics != nil {
		r.metrics.RecordSignalRelay("delivered")
	}
	return nil
}
