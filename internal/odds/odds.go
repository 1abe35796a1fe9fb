// Package odds implements the fixed-odds table for The Compound.
//
// Odds are a pure function of current standings:
//   - Winner bets pay by rank: favourites pay less, underdogs pay more
//   - Outcome bets that are not contestant-ranked pay a flat BinaryOdds
//   - Odds never rebalance with pool size (this is not a parimutuel book)
//
// Multipliers are decimals so that payout = floor(amount * odds) is exact.
package odds

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/thecompound/ledger-engine/internal/model"
)

const (
	// MinBet is the smallest stake accepted.
	MinBet int64 = 10

	// MaxBet is the largest stake accepted per wager.
	MaxBet int64 = 500

	// NotRanked is returned by RankOf when the target is absent.
	NotRanked = 0
)

var (
	// ErrBelowMinimum is returned when the stake is under MinBet.
	ErrBelowMinimum = errors.New("odds: minimum bet is 10 currency")

	// ErrAboveMaximum is returned when the stake is over MaxBet.
	ErrAboveMaximum = errors.New("odds: maximum bet is 500 currency")

	// ErrInsufficientFunds is returned when the stake exceeds the balance.
	ErrInsufficientFunds = errors.New("odds: insufficient currency")

	// BinaryOdds is the flat multiplier for unranked outcome bets.
	BinaryOdds = decimal.NewFromInt(2)

	// DefaultOdds applies to ranks outside the table, and to absent targets.
	DefaultOdds = decimal.NewFromInt(3)

	rankTable = map[int]decimal.Decimal{
		1: decimal.RequireFromString("2.0"),
		2: decimal.RequireFromString("2.5"),
		3: decimal.RequireFromString("3.5"),
		4: decimal.RequireFromString("4.5"),
		5: decimal.RequireFromString("6.0"),
	}
)

// Standings returns contestants sorted by TotalPoints descending. Equal
// scores keep their input order.
func Standings(contestants []model.Contestant) []model.Contestant {
	sorted := make([]model.Contestant, len(contestants))
	copy(sorted, contestants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Stats.TotalPoints > sorted[j].Stats.TotalPoints
	})
	return sorted
}

// RankOf returns the 1-based standing of targetID, or NotRanked.
func RankOf(contestants []model.Contestant, targetID string) int {
	for i, c := range Standings(contestants) {
		if c.ID == targetID {
			return i + 1
		}
	}
	return NotRanked
}

// ForRank maps a rank to its multiplier.
func ForRank(rank int) decimal.Decimal {
	if o, ok := rankTable[rank]; ok {
		return o
	}
	return DefaultOdds
}

// WinnerOdds returns the multiplier for a task_winner or episode_winner bet
// on targetID given the season's current standings.
func WinnerOdds(contestants []model.Contestant, targetID string) decimal.Decimal {
	return ForRank(RankOf(contestants, targetID))
}

// Payout computes floor(amount * odds). This is the only rounding rule.
func Payout(amount int64, o decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(o).Floor().IntPart()
}

// ValidateStake checks amount against the table limits and the balance.
func ValidateStake(amount, balance int64) error {
	if amount < MinBet {
		return ErrBelowMinimum
	}
	if amount > MaxBet {
		return ErrAboveMaximum
	}
	if amount > balance {
		return ErrInsufficientFunds
	}
	return nil
}
