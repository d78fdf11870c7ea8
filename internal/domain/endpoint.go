package domain

import (
	"time"

	"github.com/google/uuid"
)

// Capability is a media capability advertised by an endpoint at registration
type Capability string

const (
	CapabilityVoice Capability = "voice"
	CapabilityVideo Capability = "video"
)

// Endpoint represents a registered, addressable client device session.
// Endpoints are transient: the table is rebuilt from re-registration after
// a restart.
type Endpoint struct {
	ID            uuid.UUID    `json:"endpoint_id"`
	UserID        uuid.UUID    `json:"user_id"`
	Capabilities  []Capability `json:"capabilities"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// HasCapability reports whether the endpoint advertised the capability
func (e *Endpoint) HasCapability(c Capability) bool {
	for _, cap := range e.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}
