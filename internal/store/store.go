// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for content), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/thecompound/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned when a balance adjustment would
	// take an account below zero.
	ErrInsufficientFunds = errors.New("store: balance would go negative")

	// ErrBetNotPending is returned when resolving a bet that already left
	// the pending state.
	ErrBetNotPending = errors.New("store: bet is not pending")

	// ErrActivePickExists is returned when inserting a second active pick
	// for the same (user, season).
	ErrActivePickExists = errors.New("store: active pick already exists")

	// ErrDuplicate is returned on primary key or unique collisions.
	ErrDuplicate = errors.New("store: duplicate")
)

// BetFilter narrows ListBets. Empty fields match everything.
type BetFilter struct {
	UserID    string
	EpisodeID string
	TaskID    string
	Status    model.BetStatus
}

// AccountTotals is one leaderboard row.
type AccountTotals struct {
	Account     model.Account `json:"account"`
	TotalEarned int64         `json:"total_earned"`
	TotalSpent  int64         `json:"total_spent"`
}

// Reader holds the unlocked reads shared by Store and Tx.
type Reader interface {
	// GetSeason retrieves a season by ID.
	GetSeason(ctx context.Context, id string) (*model.Season, error)

	// GetEpisode retrieves an episode by ID.
	GetEpisode(ctx context.Context, id string) (*model.Episode, error)

	// ListContestants returns a season's contestants ordered by color index.
	ListContestants(ctx context.Context, seasonID string) ([]model.Contestant, error)

	// ListTasks returns an episode's tasks ordered by task number, each
	// with its results in recorded order.
	ListTasks(ctx context.Context, episodeID string) ([]model.TaskWithResults, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for content.
type Store interface {
	Reader

	// --- Accounts and ledger ---

	// CreateAccount persists a new account with its starting balance.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListLedgerEntries returns an account's entries, newest first.
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// Leaderboard returns accounts by balance descending with ledger totals.
	Leaderboard(ctx context.Context, limit int) ([]AccountTotals, error)

	// --- Bets and picks ---

	// ListBets returns bets matching the filter, newest first.
	ListBets(ctx context.Context, f BetFilter) ([]model.Bet, error)

	// ListPicks returns a user's picks, newest first. seasonID may be empty.
	ListPicks(ctx context.Context, userID, seasonID string, activeOnly bool) ([]model.Pick, error)

	// --- Content (owned by the content collaborator) ---

	CreateSeason(ctx context.Context, s *model.Season) error
	CreateContestant(ctx context.Context, c *model.Contestant) error
	CreateEpisode(ctx context.Context, e *model.Episode) error
	CreateTask(ctx context.Context, t *model.Task) error
	CreateTaskResult(ctx context.Context, r *model.TaskResult) error
	SetEpisodeStatus(ctx context.Context, id, status string) error

	// WithTx runs fn inside a single all-or-nothing transaction. If fn
	// returns an error every write made through tx is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the unit of work handed to WithTx. Lock* reads hold the row until
// the transaction ends.
type Tx interface {
	Reader

	LockAccount(ctx context.Context, id string) (*model.Account, error)
	LockEpisode(ctx context.Context, id string) (*model.Episode, error)
	LockBet(ctx context.Context, id string) (*model.Bet, error)

	// LockActivePick returns the active pick for (user, season) or ErrNotFound.
	LockActivePick(ctx context.Context, userID, seasonID string) (*model.Pick, error)

	// ActivePicks returns every active pick in a season.
	ActivePicks(ctx context.Context, seasonID string) ([]model.Pick, error)

	// AdjustBalance adds delta to the balance and returns the new value.
	// It fails with ErrInsufficientFunds instead of going negative.
	AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error)

	// InsertLedgerEntry appends an immutable ledger record.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	InsertBet(ctx context.Context, b *model.Bet) error

	// ResolveBet moves a pending bet to won or lost. It fails with
	// ErrBetNotPending if the bet was already resolved.
	ResolveBet(ctx context.Context, id string, status model.BetStatus, payout int64, at time.Time) error

	// InsertPick fails with ErrActivePickExists if p is active and another
	// active pick exists for the same (user, season).
	InsertPick(ctx context.Context, p *model.Pick) error
	DeactivatePick(ctx context.Context, id string) error

	MarkRewardsProcessed(ctx context.Context, episodeID string) error
}
