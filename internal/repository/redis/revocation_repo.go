package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"callbridge-backend/internal/database"
)

// RevocationRepository checks JWTs against the blacklist the auth tier
// writes on logout. Keys expire with the token, so no sweeping is needed.
type RevocationRepository struct {
	client *database.RedisClient
}

// NewRevocationRepository creates a new RevocationRepository
func NewRevocationRepository(client *database.RedisClient) *RevocationRepository {
	return &RevocationRepository{client: client}
}

// IsTokenRevoked reports whether the token has been blacklisted
func (r *RevocationRepository) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	sum := sha256.Sum256([]byte(tokenString))
	key := fmt.Sprintf("revoked:token:%s", hex.EncodeToString(sum[:]))

	exists, err := r.client.SafeExists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return exists > 0, nil
}
