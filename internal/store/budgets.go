package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ErrBudgetExhausted is returned when a spend would exceed the daily limit
var ErrBudgetExhausted = errors.New("daily budget exhausted")

// Budget tracks a user's daily LLM/data spend
type Budget struct {
	UserID       uuid.UUID
	DailyLimit   float64
	DailySpent   float64
	DailyResetAt time.Time
}

// Remaining returns the unspent portion of the daily limit
func (b *Budget) Remaining() float64 {
	if b.DailyLimit <= 0 {
		return 0
	}
	return b.DailyLimit - b.DailySpent
}

// BudgetStore maintains per-user daily cost counters. The janitor resets
// counters whose reset timestamp has drifted past 24 hours.
type BudgetStore interface {
	GetBudget(ctx context.Context, userID uuid.UUID) (*Budget, error)
	AddSpend(ctx context.Context, userID uuid.UUID, amount float64) error
	ResetDailyBudgets(ctx context.Context, now time.Time) (int64, error)
}

// defaultDailyLimit applies to users without an explicit budget row
const defaultDailyLimit = 10.0

// GetBudget retrieves a user's budget, creating the default row on first use
func (s *Postgres) GetBudget(ctx context.Context, userID uuid.UUID) (*Budget, error) {
	var b Budget
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, daily_limit, daily_spent, daily_reset_at
		FROM user_budgets WHERE user_id = $1`, userID).Scan(
		&b.UserID, &b.DailyLimit, &b.DailySpent, &b.DailyResetAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Budget{
				UserID:       userID,
				DailyLimit:   defaultDailyLimit,
				DailyResetAt: time.Now().UTC(),
			}, nil
		}
		return nil, fmt.Errorf("failed to query budget: %w", err)
	}
	return &b, nil
}

// AddSpend atomically accumulates spend against the daily counter
func (s *Postgres) AddSpend(ctx context.Context, userID uuid.UUID, amount float64) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_budgets (user_id, daily_limit, daily_spent, daily_reset_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET daily_spent = user_budgets.daily_spent + $3`,
		userID, defaultDailyLimit, amount)
	if err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}
	return nil
}

// ResetDailyBudgets zeroes counters whose reset timestamp is at least a day
// old. Returns the number of budgets reset.
func (s *Postgres) ResetDailyBudgets(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_budgets
		SET daily_spent = 0, daily_reset_at = $1
		WHERE $1 - daily_reset_at >= INTERVAL '24 hours'`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily budgets: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Info().Int64("budgets", n).Msg("Daily budget counters reset")
		return n, nil
	}
	return 0, nil
}
