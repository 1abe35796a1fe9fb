// Package wager places fixed-odds bets. Placement freezes the odds and
// potential payout, debits the stake and records a bet_placed ledger entry
// in one transaction.
package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thecompound/ledger-engine/internal/apperr"
	"github.com/thecompound/ledger-engine/internal/events"
	"github.com/thecompound/ledger-engine/internal/ledger"
	"github.com/thecompound/ledger-engine/internal/metrics"
	"github.com/thecompound/ledger-engine/internal/model"
	"github.com/thecompound/ledger-engine/internal/odds"
	"github.com/thecompound/ledger-engine/internal/store"
	"github.com/thecompound/ledger-engine/internal/target"
)

var validate = validator.New()

// PlaceBetRequest is the input to PlaceBet.
type PlaceBetRequest struct {
	UserID    string        `json:"user_id" validate:"required"`
	EpisodeID string        `json:"episode_id" validate:"required"`
	TaskID    string        `json:"task_id,omitempty"`
	BetType   model.BetType `json:"bet_type" validate:"required"`
	BetTarget string        `json:"bet_target" validate:"required"`
	Amount    int64         `json:"amount" validate:"required"`
}

func (r *PlaceBetRequest) Validate() error {
	return validate.Struct(r)
}

// PlaceBetResult is returned from a successful placement.
type PlaceBetResult struct {
	Bet        *model.Bet `json:"bet"`
	NewBalance int64      `json:"new_balance"`
}

// Manager validates and places bets.
type Manager struct {
	store  store.Store
	events events.Publisher
}

// NewManager creates a wager manager. pub may be nil.
func NewManager(st store.Store, pub events.Publisher) *Manager {
	return &Manager{store: st, events: pub}
}

// PlaceBet validates req and places the bet.
func (m *Manager) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	start := time.Now()
	res, err := m.placeBet(ctx, req)
	if err != nil {
		metrics.BetsRejected.WithLabelValues(apperr.As(err).Code).Inc()
		return nil, err
	}

	bt := string(res.Bet.BetType)
	metrics.BetsPlaced.WithLabelValues(bt).Inc()
	metrics.StakedTotal.Add(float64(res.Bet.Amount))
	metrics.PlaceLatency.WithLabelValues(bt).Observe(time.Since(start).Seconds())

	slog.Info("bet placed",
		"bet_id", res.Bet.ID,
		"user", res.Bet.UserID,
		"episode", res.Bet.EpisodeID,
		"type", bt,
		"target", res.Bet.BetTarget,
		"amount", res.Bet.Amount,
		"odds", res.Bet.Odds.String(),
		"potential_payout", res.Bet.PotentialPayout,
	)

	balance := res.NewBalance
	events.Emit(ctx, m.events, events.Event{
		Type:      events.BetPlaced,
		UserID:    res.Bet.UserID,
		EpisodeID: res.Bet.EpisodeID,
		TaskID:    res.Bet.TaskID,
		BetID:     res.Bet.ID,
		Amount:    res.Bet.Amount,
		Balance:   &balance,
		Data:      res.Bet,
	})
	return res, nil
}

func (m *Manager) placeBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("missing_fields", "Missing required fields")
	}

	account, err := ledger.Lookup(ctx, m.store, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := stakeError(odds.ValidateStake(req.Amount, account.Balance)); err != nil {
		return nil, err
	}

	episode, err := m.store.GetEpisode(ctx, req.EpisodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("episode_not_found", "Episode not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load episode", err)
	}
	if episode.Status == model.EpisodeCompleted {
		return nil, apperr.Rule("episode_completed", "Cannot bet on completed episode")
	}

	if req.TaskID != "" {
		if err := m.checkTask(ctx, episode.ID, req.TaskID); err != nil {
			return nil, err
		}
	}

	o, err := m.resolveOdds(ctx, episode, req)
	if err != nil {
		return nil, err
	}

	bet := &model.Bet{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		EpisodeID:       req.EpisodeID,
		TaskID:          req.TaskID,
		BetType:         req.BetType,
		BetTarget:       req.BetTarget,
		Amount:          req.Amount,
		Odds:            o,
		PotentialPayout: odds.Payout(req.Amount, o),
		Status:          model.BetPending,
		PlacedAt:        time.Now().UTC(),
	}

	var newBalance int64
	err = m.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		// The unlocked check above may have raced another placement.
		if err := stakeError(odds.ValidateStake(req.Amount, locked.Balance)); err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, bet); err != nil {
			return fmt.Errorf("insert bet: %w", err)
		}
		newBalance, err = ledger.Post(ctx, tx, &model.LedgerEntry{
			AccountID:   req.UserID,
			Amount:      -req.Amount,
			Kind:        model.EntryBetPlaced,
			Description: fmt.Sprintf("Bet on %s: %d at %sx odds", req.BetType, req.Amount, o.StringFixed(1)),
			EpisodeID:   req.EpisodeID,
			BetID:       bet.ID,
			CreatedAt:   bet.PlacedAt,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("user_not_found", "User not found")
		}
		return nil, apperr.Wrap(err, "Failed to place bet")
	}

	return &PlaceBetResult{Bet: bet, NewBalance: newBalance}, nil
}

func (m *Manager) checkTask(ctx context.Context, episodeID, taskID string) error {
	tasks, err := m.store.ListTasks(ctx, episodeID)
	if err != nil {
		return apperr.Internal("failed to load tasks", err)
	}
	for _, t := range tasks {
		if t.Task.ID == taskID {
			return nil
		}
	}
	return apperr.NotFound("task_not_found", "Task not found")
}

// resolveOdds validates the target for the bet type and returns the
// multiplier to freeze on the bet.
func (m *Manager) resolveOdds(ctx context.Context, episode *model.Episode, req PlaceBetRequest) (decimal.Decimal, error) {
	if !req.BetType.Valid() {
		return decimal.Zero, apperr.Validation("invalid_bet_type", "Invalid bet type")
	}
	if req.BetType == model.BetTaskWinner && req.TaskID == "" {
		return decimal.Zero, apperr.Validation("missing_fields", "task_id is required for task_winner bets")
	}

	tgt, err := target.Parse(req.BetType, req.BetTarget)
	if errors.Is(err, target.ErrUnsupportedType) {
		return decimal.Zero, apperr.Rule("unsupported_bet_type", "Bet type is not open for wagering")
	}
	if err != nil {
		return decimal.Zero, apperr.Rule("invalid_target", "Invalid bet target")
	}

	contestants, err := m.store.ListContestants(ctx, episode.SeasonID)
	if err != nil {
		return decimal.Zero, apperr.Internal("failed to load contestants", err)
	}
	if !tgt.InSeason(contestants) {
		return decimal.Zero, apperr.Rule("invalid_target", "Invalid contestant for this season")
	}

	if req.BetType.Ranked() {
		return odds.WinnerOdds(contestants, tgt.ContestantID), nil
	}
	return odds.BinaryOdds, nil
}

// stakeError classifies odds.ValidateStake failures.
func stakeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, odds.ErrBelowMinimum):
		return apperr.Validation("below_minimum", fmt.Sprintf("Minimum bet is %d currency", odds.MinBet))
	case errors.Is(err, odds.ErrAboveMaximum):
		return apperr.Validation("above_maximum", fmt.Sprintf("Maximum bet is %d currency", odds.MaxBet))
	case errors.Is(err, odds.ErrInsufficientFunds):
		return apperr.Rule("insufficient_funds", "Insufficient currency")
	}
	return apperr.Internal("stake validation failed", err)
}
