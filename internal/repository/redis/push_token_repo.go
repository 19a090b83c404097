package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PushTokenRepository stores each user's registered device tokens for push
// delivery. Tokens are written by the main backend on device registration;
// the call service only reads them for ring notifications.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new PushTokenRepository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

// TokensFor returns all device tokens registered for the user
func (r *PushTokenRepository) TokensFor(ctx context.Context, userID uuid.UUID) ([]string, error) {
	key := fmt.Sprintf("push:tokens:%s", userID)

	tokens, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get push tokens: %w", err)
	}
	return tokens, nil
}

// RegisterToken adds a device token for the user
func (r *PushTokenRepository) RegisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	key := fmt.Sprintf("push:tokens:%s", userID)

	if err := r.client.SAdd(ctx, key, token).Err(); err != nil {
		return fmt.Errorf("failed to register push token: %w", err)
	}
	return nil
}

// RemoveToken drops a device token, e.g. after the provider reports it invalid
func (r *PushTokenRepository) RemoveToken(ctx context.Context, userID uuid.UUID, token string) error {
	key := fmt.Sprintf("push:tokens:%s", userID)

	if err := r.client.SRem(ctx, key, token).Err(); err != nil {
		return fmt.Errorf("failed to remove push token: %w", err)
	}
	return nil
}
