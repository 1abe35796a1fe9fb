// Package picks manages each user's backed contestant per season. The
// first pick is free; switching costs SwitchCost and is debited through the
// ledger in the same transaction that swaps the active pick.
package picks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/thecompound/ledger-engine/internal/apperr"
	"github.com/thecompound/ledger-engine/internal/events"
	"github.com/thecompound/ledger-engine/internal/ledger"
	"github.com/thecompound/ledger-engine/internal/metrics"
	"github.com/thecompound/ledger-engine/internal/model"
	"github.com/thecompound/ledger-engine/internal/store"
)

// SwitchCost is debited for every switch after the first pick.
const SwitchCost int64 = 100

var validate = validator.New()

// CreatePickRequest is the input to CreatePick.
type CreatePickRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	SeasonID     string `json:"season_id" validate:"required"`
	ContestantID string `json:"contestant_id" validate:"required"`
}

// SwitchPickRequest is the input to SwitchPick.
type SwitchPickRequest struct {
	UserID          string `json:"user_id" validate:"required"`
	SeasonID        string `json:"season_id" validate:"required"`
	NewContestantID string `json:"new_contestant_id" validate:"required"`
}

// SwitchResult describes a completed switch.
type SwitchResult struct {
	Pick       *model.Pick `json:"pick"`
	Previous   *model.Pick `json:"previous"`
	Cost       int64       `json:"cost"`
	NewBalance int64       `json:"new_balance"`
}

// Service runs the pick workflows.
type Service struct {
	store  store.Store
	events events.Publisher
}

// NewService creates a pick service. pub may be nil.
func NewService(st store.Store, pub events.Publisher) *Service {
	return &Service{store: st, events: pub}
}

// CreatePick records a user's first, free pick for a season.
func (s *Service) CreatePick(ctx context.Context, req CreatePickRequest) (*model.Pick, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Validation("missing_fields", "Missing required fields")
	}
	if _, err := ledger.Lookup(ctx, s.store, req.UserID); err != nil {
		return nil, err
	}
	if _, err := s.season(ctx, req.SeasonID); err != nil {
		return nil, err
	}
	if _, err := s.contestant(ctx, req.SeasonID, req.ContestantID); err != nil {
		return nil, err
	}

	pick := &model.Pick{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		SeasonID:     req.SeasonID,
		ContestantID: req.ContestantID,
		Active:       true,
		PickedAt:     time.Now().UTC(),
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		// Serialize against a concurrent switch for the same user.
		if _, err := tx.LockAccount(ctx, req.UserID); err != nil {
			return err
		}
		return tx.InsertPick(ctx, pick)
	})
	switch {
	case errors.Is(err, store.ErrActivePickExists):
		return nil, apperr.Rule("pick_exists", "You already have a pick for this season")
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("user_not_found", "User not found")
	case err != nil:
		return nil, apperr.Wrap(err, "Failed to create pick")
	}

	slog.Info("pick created", "user", pick.UserID, "season", pick.SeasonID, "contestant", pick.ContestantID)
	events.Emit(ctx, s.events, events.Event{
		Type:         events.PickCreated,
		UserID:       pick.UserID,
		SeasonID:     pick.SeasonID,
		ContestantID: pick.ContestantID,
		Data:         pick,
	})
	return pick, nil
}

// SwitchPick moves the user's active pick to a new contestant for
// SwitchCost. Nothing is written unless every check passes.
func (s *Service) SwitchPick(ctx context.Context, req SwitchPickRequest) (*SwitchResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Validation("missing_fields", "Missing required fields")
	}

	account, err := ledger.Lookup(ctx, s.store, req.UserID)
	if err != nil {
		return nil, err
	}
	if account.Balance < SwitchCost {
		return nil, apperr.Rule("insufficient_funds", fmt.Sprintf("Insufficient currency: switching costs %d", SwitchCost))
	}

	current, err := s.activePick(ctx, req.UserID, req.SeasonID)
	if err != nil {
		return nil, err
	}
	if current.ContestantID == req.NewContestantID {
		return nil, apperr.Rule("already_backing", "You're already backing this contestant")
	}

	next, err := s.contestant(ctx, req.SeasonID, req.NewContestantID)
	if err != nil {
		return nil, err
	}

	season, err := s.store.GetSeason(ctx, req.SeasonID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal("failed to load season", err)
	}
	if season == nil || season.Status != model.SeasonActive {
		return nil, apperr.Rule("season_not_active", "Cannot switch contestants - season is not active")
	}

	result := &SwitchResult{Cost: SwitchCost}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, req.UserID); err != nil {
			return err
		}
		prev, err := tx.LockActivePick(ctx, req.UserID, req.SeasonID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("pick_not_found", "No active pick found for this season")
		}
		if err != nil {
			return fmt.Errorf("lock active pick: %w", err)
		}
		if prev.ContestantID == req.NewContestantID {
			return apperr.Rule("already_backing", "You're already backing this contestant")
		}

		if err := tx.DeactivatePick(ctx, prev.ID); err != nil {
			return fmt.Errorf("deactivate pick: %w", err)
		}
		pick := &model.Pick{
			ID:            uuid.New().String(),
			UserID:        req.UserID,
			SeasonID:      req.SeasonID,
			ContestantID:  req.NewContestantID,
			Active:        true,
			CurrencySpent: SwitchCost,
			PickedAt:      time.Now().UTC(),
		}
		if err := tx.InsertPick(ctx, pick); err != nil {
			return fmt.Errorf("insert pick: %w", err)
		}

		balance, err := ledger.Post(ctx, tx, &model.LedgerEntry{
			AccountID:    req.UserID,
			Amount:       -SwitchCost,
			Kind:         model.EntryContestantSwitch,
			Description:  fmt.Sprintf("Switched to %s (Season %d)", next.Name, season.SeasonNumber),
			ContestantID: req.NewContestantID,
			CreatedAt:    pick.PickedAt,
		})
		if err != nil {
			return err
		}

		prev.Active = false
		result.Pick, result.Previous, result.NewBalance = pick, prev, balance
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("user_not_found", "User not found")
		}
		return nil, apperr.Wrap(err, "Failed to switch contestant")
	}

	metrics.PickSwitches.Inc()
	slog.Info("pick switched",
		"user", req.UserID,
		"season", req.SeasonID,
		"from", result.Previous.ContestantID,
		"to", result.Pick.ContestantID,
		"balance", result.NewBalance,
	)
	balance := result.NewBalance
	events.Emit(ctx, s.events, events.Event{
		Type:         events.PickSwitched,
		UserID:       req.UserID,
		SeasonID:     req.SeasonID,
		ContestantID: req.NewContestantID,
		Amount:       SwitchCost,
		Balance:      &balance,
		Data:         result,
	})
	return result, nil
}

// ListPicks returns a user's picks, newest first. When seasonID is set only
// the active pick for that season is returned.
func (s *Service) ListPicks(ctx context.Context, userID, seasonID string) ([]model.Pick, error) {
	if userID == "" {
		return nil, apperr.Validation("missing_fields", "userId is required")
	}
	picks, err := s.store.ListPicks(ctx, userID, seasonID, seasonID != "")
	if err != nil {
		return nil, apperr.Internal("failed to list picks", err)
	}
	if picks == nil {
		picks = []model.Pick{}
	}
	return picks, nil
}

func (s *Service) season(ctx context.Context, seasonID string) (*model.Season, error) {
	season, err := s.store.GetSeason(ctx, seasonID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("season_not_found", "Season not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load season", err)
	}
	return season, nil
}

func (s *Service) contestant(ctx context.Context, seasonID, contestantID string) (*model.Contestant, error) {
	contestants, err := s.store.ListContestants(ctx, seasonID)
	if err != nil {
		return nil, apperr.Internal("failed to load contestants", err)
	}
	for i := range contestants {
		if contestants[i].ID == contestantID {
			return &contestants[i], nil
		}
	}
	return nil, apperr.NotFound("contestant_not_found", "Contestant not found in this season")
}

func (s *Service) activePick(ctx context.Context, userID, seasonID string) (*model.Pick, error) {
	picks, err := s.store.ListPicks(ctx, userID, seasonID, true)
	if err != nil {
		return nil, apperr.Internal("failed to load picks", err)
	}
	if len(picks) == 0 {
		return nil, apperr.NotFound("pick_not_found", "No active pick found for this season")
	}
	return &picks[0], nil
}
