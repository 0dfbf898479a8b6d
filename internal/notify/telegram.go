package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Telegram delivers notifications to users' Telegram chats. Chat IDs are
// resolved through a lookup so the engine does not own the user directory.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID func(userID uuid.UUID) (int64, bool)
}

// NewTelegram creates a Telegram channel. chatID maps a user to their chat;
// users without a mapping are skipped.
func NewTelegram(botToken string, chatID func(userID uuid.UUID) (int64, bool)) (*Telegram, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	log.Info().
		Str("bot_username", api.Self.UserName).
		Msg("Telegram notifier initialized")

	return &Telegram{api: api, chatID: chatID}, nil
}

// Notify sends the notification to the user's chat
func (t *Telegram) Notify(_ context.Context, n Notification) error {
	chatID, ok := t.chatID(n.UserID)
	if !ok {
		log.Debug().
			Str("user_id", n.UserID.String()).
			Msg("No Telegram chat for user, skipping")
		return nil
	}

	text := fmt.Sprintf("*%s*\n\n%s", n.Title, n.Body)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	return nil
}

// Name identifies the channel
func (t *Telegram) Name() string { return "telegram" }
