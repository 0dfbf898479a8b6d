// Package notify delivers user-facing notifications: approval requests,
// trade executions, position closes and monitoring stalls.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Kind categorizes notifications for routing and preferences
type Kind string

const (
	KindApprovalRequest  Kind = "approval_request"
	KindApprovalExpired  Kind = "approval_expired"
	KindTradeExecuted    Kind = "trade_executed"
	KindPositionClosed   Kind = "position_closed"
	KindMonitoringStall  Kind = "monitoring_stalled"
	KindExecutionFailed  Kind = "execution_failed"
	KindBudgetExhausted  Kind = "budget_exhausted"
	KindCommunicationErr Kind = "communication_error"
)

// Notification is one message to one user
type Notification struct {
	UserID    uuid.UUID         `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier is one delivery channel
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Name() string
}

// Service fans a notification out to every configured channel. Channel
// failures are logged, not propagated; a dead bot must never fail a trade.
type Service struct {
	channels []Notifier
}

// NewService creates a fan-out notification service
func NewService(channels ...Notifier) *Service {
	return &Service{channels: channels}
}

// AddChannel registers an additional delivery channel
func (s *Service) AddChannel(n Notifier) {
	s.channels = append(s.channels, n)
}

// Notify sends the notification to all channels
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	for _, ch := range s.channels {
		if err := ch.Notify(ctx, n); err != nil {
			log.Error().
				Err(err).
				Str("channel", ch.Name()).
				Str("kind", string(n.Kind)).
				Str("user_id", n.UserID.String()).
				Msg("Notification delivery failed")
		}
	}
	return nil
}

// Name identifies the fan-out service when nested as a channel
func (s *Service) Name() string { return "fanout" }

// LogNotifier writes notifications to the log. Used when no real channel is
// configured and in validation mode.
type LogNotifier struct{}

// Notify logs the notification
func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Info().
		Str("channel", "log").
		Str("kind", string(n.Kind)).
		Str("user_id", n.UserID.String()).
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("Notification")
	return nil
}

// Name identifies the channel
func (LogNotifier) Name() string { return "log" }
