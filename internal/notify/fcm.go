package notify

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// FCM delivers push notifications through Firebase Cloud Messaging. Device
// tokens are resolved through a lookup; a user may have several devices.
type FCM struct {
	client *messaging.Client
	mock   bool
	tokens func(userID uuid.UUID) []string
}

// NewFCM creates an FCM channel. With no credentials file it degrades to a
// mock that only logs, so local setups work without Firebase.
func NewFCM(ctx context.Context, credentialsPath string, tokens func(userID uuid.UUID) []string) (*FCM, error) {
	if credentialsPath == "" {
		log.Warn().Msg("No FCM credentials path provided, using mock backend")
		return &FCM{mock: true, tokens: tokens}, nil
	}
	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		log.Warn().
			Str("credentials_path", credentialsPath).
			Msg("FCM credentials file not found, using mock backend")
		return &FCM{mock: true, tokens: tokens}, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	log.Info().Msg("Initialized FCM backend")
	return &FCM{client: client, tokens: tokens}, nil
}

// Notify pushes the notification to each of the user's devices
func (f *FCM) Notify(ctx context.Context, n Notification) error {
	deviceTokens := f.tokens(n.UserID)
	if len(deviceTokens) == 0 {
		return nil
	}

	if f.mock {
		log.Info().
			Str("backend", "fcm_mock").
			Str("kind", string(n.Kind)).
			Str("title", n.Title).
			Int("devices", len(deviceTokens)).
			Msg("Mock FCM notification")
		return nil
	}

	var lastErr error
	sent := 0
	for _, token := range deviceTokens {
		msg := &messaging.Message{
			Token: token,
			Notification: &messaging.Notification{
				Title: n.Title,
				Body:  n.Body,
			},
			Data: n.Data,
		}
		if n.Priority == "high" {
			msg.Android = &messaging.AndroidConfig{Priority: "high"}
			msg.APNS = &messaging.APNSConfig{
				Headers: map[string]string{"apns-priority": "10"},
			}
		}
		if _, err := f.client.Send(ctx, msg); err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Str("device_token", maskToken(token)).
				Msg("Failed to send FCM message")
			continue
		}
		sent++
	}

	if sent == 0 && lastErr != nil {
		return fmt.Errorf("failed to push to any device: %w", lastErr)
	}
	return nil
}

// Name identifies the channel
func (f *FCM) Name() string { return "fcm" }

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
