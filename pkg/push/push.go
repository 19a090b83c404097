package push

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatlink-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// TokenSource resolves a user id to the device tokens registered for push delivery
type TokenSource interface {
	TokensFor(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount int
	FailureCount int
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
}

// Service handles push notification operations
type Service struct {
	provider Provider
	tokens   TokenSource
}

// NewService creates a new push notification service
func NewService(provider Provider, tokens TokenSource) *Service {
	return &Service{
		provider: provider,
		tokens:   tokens,
	}
}

// SendToUser sends a notification to every registered device of a user.
// Push is best effort: failures are logged, never surfaced to the caller.
func (s *Service) SendToUser(ctx context.Context, notification *Notification, userID uuid.UUID) {
	tokens, err := s.tokens.TokensFor(ctx, userID)
	if err != nil {
		logger.Warn("Failed to load push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		return
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		logger.Warn("Failed to send push notification",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	logger.Debug("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.Int("success", result.SuccessCount),
		zap.Int("failure", result.FailureCount))
}

// RingNotification builds the push payload for an incoming call so a device
// without an open connection can still surface the ring
func RingNotification(callID, callerID uuid.UUID, callerName, kind string) *Notification {
	return &Notification{
		Title:    "Incoming call",
		Body:     callerName + " is calling",
		Priority: "high",
		Sound:    "ringtone",
		Data: map[string]string{
			"call_id":   callID.String(),
			"caller_id": callerID.String(),
			"kind":      kind,
		},
	}
}
