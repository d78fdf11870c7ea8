package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"callbridge-backend/internal/database"
	"callbridge-backend/internal/domain"
	"callbridge-backend/pkg/constants"
)

// PresenceRepository mirrors user presence to Redis. The in-process
// broadcaster is authoritative for fanout; this mirror serves reads that
// must survive a restart and gives other instances a consistent view.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

// SetStatus writes the presence record. Online and in-call records carry a
// TTL so a crashed instance's users decay to offline; offline removes the
// key outright.
func (r *PresenceRepository) SetStatus(ctx context.Context, record *domain.PresenceRecord) error {
	key := presenceKey(record.UserID)

	if record.Status == domain.PresenceOffline {
		if err := r.client.SafeDel(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete presence: %w", err)
		}
		if err := r.client.SafeSRem(ctx, "presence:online", record.UserID.String()).Err(); err != nil {
			return fmt.Errorf("failed to remove from online set: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	if err := r.client.SafeSet(ctx, key, raw, constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, "presence:online", record.UserID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// GetStatus reads the mirrored record; a missing key means offline
func (r *PresenceRepository) GetStatus(ctx context.Context, userID uuid.UUID) (*domain.PresenceRecord, error) {
	raw, err := r.client.SafeGet(ctx, presenceKey(userID)).Bytes()
	if err == goredis.Nil {
		return &domain.PresenceRecord{
			UserID: userID,
			Status: domain.PresenceOffline,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	record := &domain.PresenceRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return record, nil
}

// IsUserOnline checks the mirrored presence key
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}
