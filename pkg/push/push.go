package push

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/pkg/logger"
)

// Provider defines the interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	CreatedAt time.Time `json:"created_at"`
}

// TokenRepository defines the interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	DeleteByToken(ctx context.Context, userID uuid.UUID, tokenValue string) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a push notification token for a user. Stores are
// idempotent on the token value.
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, tokenValue string) error {
	return s.repo.DeleteByToken(ctx, userID, tokenValue)
}

// UnregisterAllTokens removes all tokens for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID uuid.UUID) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// SendIncomingCall notifies the callee that a call is ringing. High priority
// so a backgrounded app wakes up and rings.
func (s *Service) SendIncomingCall(ctx context.Context, sessionID uuid.UUID, callerID uuid.UUID, callerName, kind string, calleeUserID uuid.UUID) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", callerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":        "incoming_call",
			"session_id":  sessionID.String(),
			"caller_id":   callerID.String(),
			"caller_name": callerName,
			"kind":        kind,
			"timestamp":   fmt.Sprintf("%d", time.Now().Unix()),
		},
	}

	return s.sendToUser(ctx, notification, calleeUserID, sessionID)
}

// SendMissedCall notifies the callee about a call that rang out or was
// cancelled before being answered.
func (s *Service) SendMissedCall(ctx context.Context, sessionID uuid.UUID, callerID uuid.UUID, callerName string, calleeUserID uuid.UUID) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", callerName),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":        "missed_call",
			"session_id":  sessionID.String(),
			"caller_id":   callerID.String(),
			"caller_name": callerName,
		},
	}

	return s.sendToUser(ctx, notification, calleeUserID, sessionID)
}

func (s *Service) sendToUser(ctx context.Context, notification *Notification, userID uuid.UUID, sessionID uuid.UUID) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		logger.Warn("Failed to get push tokens for user",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return nil
	}

	values := make([]string, 0, len(tokens))
	for _, token := range tokens {
		values = append(values, token.Token)
	}

	if len(values) == 0 {
		return nil
	}

	result, err := s.provider.Send(ctx, notification, values)
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("session_id", sessionID.String()),
			zap.Int("token_count", len(values)),
			zap.Error(err))
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	logger.Info("Push notification sent",
		zap.String("session_id", sessionID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, userID, result.InvalidTokens)
	}

	return nil
}

// handleInvalidTokens drops tokens the provider rejected as dead
func (s *Service) handleInvalidTokens(ctx context.Context, userID uuid.UUID, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		if err := s.repo.DeleteByToken(ctx, userID, tokenStr); err != nil {
			logger.Warn("Failed to delete invalid push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
}

// maskPushToken keeps only a short prefix for logging
func maskPushToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "..."
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{
		SuccessCount: len(tokens),
	}, nil
}
