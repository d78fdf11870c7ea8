package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is a user's visible availability
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceInCall  PresenceStatus = "in_call"
)

// PresenceRecord is the per-user availability snapshot
type PresenceRecord struct {
	UserID   uuid.UUID      `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}
