package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"callbridge-backend/internal/database"
	"callbridge-backend/pkg/constants"
	"callbridge-backend/pkg/push"
)

// PushTokenRepository stores mobile push tokens in Redis, one set per user.
// Token sets expire after the registration TTL; active clients re-register
// on app start.
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new PushTokenRepository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func pushTokenKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:tokens:%s", userID)
}

// Store adds the token to the user's set. Re-registering an existing token
// value replaces the stored entry.
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	key := pushTokenKey(token.UserID)

	// Drop any previous entry carrying the same token value so device
	// metadata updates don't accumulate duplicates
	if err := r.removeByValue(ctx, token.UserID, token.Token); err != nil {
		return err
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal push token: %w", err)
	}

	if err := r.client.SafeSAdd(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("failed to store push token: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to set push token expiry: %w", err)
	}

	return nil
}

// GetByUserID returns all registered tokens for the user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	members, err := r.client.SafeSMembers(ctx, pushTokenKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(members))
	for _, member := range members {
		token := &push.Token{}
		if err := json.Unmarshal([]byte(member), token); err != nil {
			// Skip unreadable entries rather than failing the whole send
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// DeleteByToken removes one token by its value
func (r *PushTokenRepository) DeleteByToken(ctx context.Context, userID uuid.UUID, tokenValue string) error {
	return r.removeByValue(ctx, userID, tokenValue)
}

// DeleteByUserID removes all tokens for the user
func (r *PushTokenRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, pushTokenKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete push tokens: %w", err)
	}
	return nil
}

func (r *PushTokenRepository) removeByValue(ctx context.Context, userID uuid.UUID, tokenValue string) error {
	key := pushTokenKey(userID)
	members, err := r.client.SafeSMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to list push tokens: %w", err)
	}

	for _, member := range members {
		token := &push.Token{}
		if err := json.Unmarshal([]byte(member), token); err != nil {
			continue
		}
		if token.Token == tokenValue {
			if err := r.client.SafeSRem(ctx, key, member).Err(); err != nil {
				return fmt.Errorf("failed to remove push token: %w", err)
			}
		}
	}
	return nil
}
