package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"chatlink-backend/pkg/logger"
)

// FCMProvider implements Provider interface for Firebase Cloud Messaging
type FCMProvider struct {
	app *firebase.App
}

// FCMConfig contains configuration for FCM provider
type FCMConfig struct {
	ProjectID string // Firebase Project ID
}

// NewFCMProvider creates a new FCM provider. Credentials are resolved through
// GOOGLE_APPLICATION_CREDENTIALS, the standard Firebase SDK mechanism.
func NewFCMProvider(config *FCMConfig) (*FCMProvider, error) {
	if config == nil || config.ProjectID == "" {
		return nil, fmt.Errorf("FCM project ID is required")
	}

	app, err := firebase.NewApp(context.Background(), &firebase.Config{
		ProjectID: config.ProjectID,
	})
	if err != nil {
		logger.Error("Failed to initialize Firebase app",
			zap.Error(err),
			zap.String("project_id", config.ProjectID))
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	logger.Info("FCM provider initialized",
		zap.String("project_id", config.ProjectID))

	return &FCMProvider{app: app}, nil
}

// Send implements Provider interface for FCM
func (f *FCMProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	client, err := f.app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	fcmMessage := &messaging.MulticastMessage{
		Notification: &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Tokens: tokens,
		Data:   notification.Data,
	}

	if notification.Sound != "" || notification.Priority == "high" {
		fcmMessage.Android = &messaging.AndroidConfig{}
		if notification.Sound != "" {
			fcmMessage.Android.Notification = &messaging.AndroidNotification{
				Sound: notification.Sound,
			}
		}
		if notification.Priority == "high" {
			fcmMessage.Android.Priority = "high"
		}
	}

	resp, err := client.SendEachForMulticast(ctx, fcmMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to send FCM message: %w", err)
	}

	return &SendResult{
		SuccessCount: resp.SuccessCount,
		FailureCount: resp.FailureCount,
	}, nil
}
