package wager

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/thecompound/ledger-engine/internal/apperr"
	"github.com/thecompound/ledger-engine/internal/model"
	"github.com/thecompound/ledger-engine/internal/odds"
	"github.com/thecompound/ledger-engine/internal/store"
)

// Quote is one contestant's line on the odds board.
type Quote struct {
	ContestantID string          `json:"contestant_id"`
	Name         string          `json:"name"`
	TotalPoints  int             `json:"total_points"`
	Rank         int             `json:"rank"`
	WinnerOdds   decimal.Decimal `json:"winner_odds"`
}

// OddsBoard lists current multipliers for an episode.
type OddsBoard struct {
	EpisodeID  string          `json:"episode_id"`
	SeasonID   string          `json:"season_id"`
	Open       bool            `json:"open"`
	Quotes     []Quote         `json:"quotes"`
	BinaryOdds decimal.Decimal `json:"binary_odds"`
	MinBet     int64           `json:"min_bet"`
	MaxBet     int64           `json:"max_bet"`
}

// QuoteOdds returns the odds board for an episode, ordered by standing.
func (m *Manager) QuoteOdds(ctx context.Context, episodeID string) (*OddsBoard, error) {
	if episodeID == "" {
		return nil, apperr.Validation("missing_fields", "episode_id is required")
	}
	episode, err := m.store.GetEpisode(ctx, episodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("episode_not_found", "Episode not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load episode", err)
	}

	contestants, err := m.store.ListContestants(ctx, episode.SeasonID)
	if err != nil {
		return nil, apperr.Internal("failed to load contestants", err)
	}

	board := &OddsBoard{
		EpisodeID:  episode.ID,
		SeasonID:   episode.SeasonID,
		Open:       episode.Status != model.EpisodeCompleted,
		Quotes:     make([]Quote, 0, len(contestants)),
		BinaryOdds: odds.BinaryOdds,
		MinBet:     odds.MinBet,
		MaxBet:     odds.MaxBet,
	}
	for i, c := range odds.Standings(contestants) {
		board.Quotes = append(board.Quotes, Quote{
			ContestantID: c.ID,
			Name:         c.Name,
			TotalPoints:  c.Stats.TotalPoints,
			Rank:         i + 1,
			WinnerOdds:   odds.ForRank(i + 1),
		})
	}
	return board, nil
}

// ListBets returns a user's bets, newest first. episodeID and status are
// optional filters.
func (m *Manager) ListBets(ctx context.Context, userID, episodeID, status string) ([]model.Bet, error) {
	if userID == "" {
		return nil, apperr.Validation("missing_fields", "userId is required")
	}
	st := model.BetStatus(status)
	switch st {
	case "", model.BetPending, model.BetWon, model.BetLost:
	default:
		return nil, apperr.Validation("invalid_status", "status must be pending, won or lost")
	}

	bets, err := m.store.ListBets(ctx, store.BetFilter{UserID: userID, EpisodeID: episodeID, Status: st})
	if err != nil {
		return nil, apperr.Internal("failed to load bets", err)
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	return bets, nil
}
