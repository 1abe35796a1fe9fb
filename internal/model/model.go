// Package model defines the core domain types shared across the ledger engine.
// Currency is held in whole integer units; odds multipliers use
// shopspring/decimal so payouts can be floored exactly.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a user's currency state. Balance is only ever changed through
// a LedgerEntry posted in the same transaction.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Balance   int64     `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EntryKind classifies a LedgerEntry.
type EntryKind string

const (
	EntryBetPlaced        EntryKind = "bet_placed"
	EntryBetWon           EntryKind = "bet_won"
	EntryBetLost          EntryKind = "bet_lost"
	EntryEpisodeReward    EntryKind = "episode_reward"
	EntryContestantSwitch EntryKind = "contestant_switch"
)

// LedgerEntry is an immutable record explaining one balance mutation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	Amount       int64     `json:"amount" db:"amount"` // signed: +credit, -debit
	Kind         EntryKind `json:"kind" db:"kind"`
	Description  string    `json:"description" db:"description"`
	EpisodeID    string    `json:"episode_id,omitempty" db:"episode_id"`
	ContestantID string    `json:"contestant_id,omitempty" db:"contestant_id"`
	BetID        string    `json:"bet_id,omitempty" db:"bet_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// BetType enumerates the wager kinds a user can place.
type BetType string

const (
	BetTaskWinner       BetType = "task_winner"
	BetEpisodeWinner    BetType = "episode_winner"
	BetExactScore       BetType = "exact_score"
	BetDisqualification BetType = "disqualification"
	BetSpecialOutcome   BetType = "special_outcome"
)

// Ranked reports whether odds for this bet type depend on contestant standing.
func (t BetType) Ranked() bool {
	return t == BetTaskWinner || t == BetEpisodeWinner
}

// Valid reports whether t is one of the known bet types.
func (t BetType) Valid() bool {
	switch t {
	case BetTaskWinner, BetEpisodeWinner, BetExactScore, BetDisqualification, BetSpecialOutcome:
		return true
	}
	return false
}

// BetStatus is the bet state machine: pending -> won | lost, exactly once.
type BetStatus string

const (
	BetPending BetStatus = "pending"
	BetWon     BetStatus = "won"
	BetLost    BetStatus = "lost"
)

// Bet is a fixed-odds wager. Odds and PotentialPayout are frozen at placement.
type Bet struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	EpisodeID       string          `json:"episode_id" db:"episode_id"`
	TaskID          string          `json:"task_id,omitempty" db:"task_id"`
	BetType         BetType         `json:"bet_type" db:"bet_type"`
	BetTarget       string          `json:"bet_target" db:"bet_target"`
	Amount          int64           `json:"amount" db:"amount"`
	Odds            decimal.Decimal `json:"odds" db:"odds"`
	PotentialPayout int64           `json:"potential_payout" db:"potential_payout"`
	Status          BetStatus       `json:"status" db:"status"`
	ActualPayout    int64           `json:"actual_payout" db:"actual_payout"`
	PlacedAt        time.Time       `json:"placed_at" db:"placed_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Pick is a user's backed contestant for a season. At most one pick per
// (user, season) is active; history is kept by deactivating rows.
type Pick struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	SeasonID      string    `json:"season_id" db:"season_id"`
	ContestantID  string    `json:"contestant_id" db:"contestant_id"`
	Active        bool      `json:"active" db:"active"`
	CurrencySpent int64     `json:"currency_spent" db:"currency_spent"`
	PickedAt      time.Time `json:"picked_at" db:"picked_at"`
}

// SeasonStatus values.
const (
	SeasonUpcoming  = "upcoming"
	SeasonActive    = "active"
	SeasonCompleted = "completed"
)

// Season groups contestants and episodes.
type Season struct {
	ID           string `json:"id" db:"id"`
	SeasonNumber int    `json:"season_number" db:"season_number"`
	Status       string `json:"status" db:"status"`
}

// ContestantStats is the tracked standing of a contestant within a season.
type ContestantStats struct {
	TotalPoints         int `json:"totalPoints"`
	TasksWon            int `json:"tasksWon"`
	TimesAwarded5Points int `json:"timesAwarded5Points"`
	TimesAwarded1Point  int `json:"timesAwarded1Point"`
	Disqualifications   int `json:"disqualifications"`
	RuleViolations      int `json:"ruleViolations"`
}

// Contestant belongs to exactly one season.
type Contestant struct {
	ID         string          `json:"id" db:"id"`
	SeasonID   string          `json:"season_id" db:"season_id"`
	Name       string          `json:"name" db:"name"`
	ColorIndex int             `json:"color_index" db:"color_index"`
	Stats      ContestantStats `json:"tracked_stats" db:"tracked_stats"`
}

// EpisodeStatus values.
const (
	EpisodeUpcoming  = "upcoming"
	EpisodeLive      = "live"
	EpisodeCompleted = "completed"
)

// Episode is an input to settlement. RewardsProcessed flips to true once.
type Episode struct {
	ID               string `json:"id" db:"id"`
	SeasonID         string `json:"season_id" db:"season_id"`
	EpisodeNumber    int    `json:"episode_number" db:"episode_number"`
	Title            string `json:"title" db:"title"`
	Status           string `json:"status" db:"status"`
	RewardsProcessed bool   `json:"rewards_processed" db:"rewards_processed"`
}

// Task belongs to exactly one episode.
type Task struct {
	ID         string `json:"id" db:"id"`
	EpisodeID  string `json:"episode_id" db:"episode_id"`
	TaskNumber int    `json:"task_number" db:"task_number"`
	TaskType   string `json:"task_type" db:"task_type"`
}

// TaskResult is one contestant's outcome on a task.
type TaskResult struct {
	ID           string `json:"id" db:"id"`
	TaskID       string `json:"task_id" db:"task_id"`
	ContestantID string `json:"contestant_id" db:"contestant_id"`
	Score        int    `json:"score" db:"score"`
	Disqualified bool   `json:"disqualified" db:"disqualified"`
}

// TaskWithResults is a task together with its results in recorded order.
type TaskWithResults struct {
	Task    Task         `json:"task"`
	Results []TaskResult `json:"results"`
}
