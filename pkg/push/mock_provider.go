package push

import (
	"context"

	"go.uber.org/zap"

	"chatlink-backend/pkg/logger"
)

// MockProvider is a no-op provider for development and testing
type MockProvider struct{}

// Send implements Provider interface, logging instead of delivering
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	logger.Debug("Mock push notification",
		zap.String("title", notification.Title),
		zap.Int("tokens", len(tokens)))
	return &SendResult{SuccessCount: len(tokens)}, nil
}
