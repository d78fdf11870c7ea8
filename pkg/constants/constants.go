// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong. Pongs
	// double as registry heartbeats, so this must stay well below
	// HeartbeatTTL or the sweep evicts endpoints with healthy sockets.
	WebSocketPingInterval = 10 * time.Second

	// WebSocketWriteTimeout bounds a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call lifecycle constants
const (
	// DefaultRingTimeout is how long a session may stay unanswered before
	// it autonomously fails
	DefaultRingTimeout = 30 * time.Second

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour

	// FinishedSessionRetention is how long a terminated session stays
	// addressable so late operations resolve to SESSION_TERMINATED
	FinishedSessionRetention = 5 * time.Minute
)

// Session registry constants
const (
	// HeartbeatTTL is how long an endpoint stays live without a heartbeat
	HeartbeatTTL = 30 * time.Second

	// SweepInterval is how often the registry evicts stale endpoints
	SweepInterval = 10 * time.Second
)

// Presence constants
const (
	// PresenceTTL is the Redis expiry on mirrored presence keys; a live
	// service refreshes them well before this elapses
	PresenceTTL = 5 * time.Minute
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 24 * time.Hour
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
