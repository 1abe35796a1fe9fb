// Package ledger owns account balances. Every balance change goes through
// Post, which applies the delta and appends the LedgerEntry explaining it
// inside the caller's transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thecompound/ledger-engine/internal/apperr"
	"github.com/thecompound/ledger-engine/internal/model"
	"github.com/thecompound/ledger-engine/internal/store"
)

// DefaultLeaderboardLimit applies when a caller passes limit <= 0.
const DefaultLeaderboardLimit = 50

// Service exposes account opening and read-side queries over the ledger.
type Service struct {
	store           store.Store
	startingBalance int64
}

// NewService creates a ledger service that opens accounts with startingBalance.
func NewService(st store.Store, startingBalance int64) *Service {
	return &Service{store: st, startingBalance: startingBalance}
}

// Post applies e.Amount to the account's balance and records e, both in tx.
// It returns the new balance. ID and CreatedAt are filled in when empty.
func Post(ctx context.Context, tx store.Tx, e *model.LedgerEntry) (int64, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	balance, err := tx.AdjustBalance(ctx, e.AccountID, e.Amount)
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return 0, apperr.Rule("insufficient_funds", "Insufficient currency")
	case errors.Is(err, store.ErrNotFound):
		return 0, apperr.NotFound("user_not_found", "User not found")
	case err != nil:
		return 0, fmt.Errorf("adjust balance: %w", err)
	}

	if err := tx.InsertLedgerEntry(ctx, e); err != nil {
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}
	return balance, nil
}

// OpenAccount registers an account with the starting balance. userID may
// be empty, in which case one is generated. Opening writes no ledger entry.
func (s *Service) OpenAccount(ctx context.Context, userID, username string) (*model.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.Validation("missing_fields", "Missing required fields")
	}
	if userID == "" {
		userID = uuid.New().String()
	}

	a := &model.Account{
		ID:        userID,
		Username:  username,
		Balance:   s.startingBalance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Rule("account_exists", "Account already exists")
		}
		return nil, apperr.Internal("failed to create account", err)
	}

	slog.Info("account opened", "user", a.ID, "username", a.Username, "balance", a.Balance)
	return a, nil
}

// GetBalance returns the account, whose Balance is authoritative.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.Account, error) {
	return Lookup(ctx, s.store, userID)
}

// History returns the account's ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	if _, err := Lookup(ctx, s.store, userID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to load ledger", err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// Stats summarizes a user's standing.
type Stats struct {
	UserID        string       `json:"user_id"`
	Username      string       `json:"username"`
	Balance       int64        `json:"balance"`
	ActivePicks   []model.Pick `json:"active_picks"`
	TotalBets     int          `json:"total_bets"`
	PendingBets   int          `json:"pending_bets"`
	WonBets       int          `json:"won_bets"`
	LostBets      int          `json:"lost_bets"`
	TotalWagered  int64        `json:"total_wagered"`
	TotalWinnings int64        `json:"total_winnings"`
}

// UserStats returns balance, active picks and betting record for a user.
func (s *Service) UserStats(ctx context.Context, userID string) (*Stats, error) {
	a, err := Lookup(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}

	picks, err := s.store.ListPicks(ctx, userID, "", true)
	if err != nil {
		return nil, apperr.Internal("failed to load picks", err)
	}
	bets, err := s.store.ListBets(ctx, store.BetFilter{UserID: userID})
	if err != nil {
		return nil, apperr.Internal("failed to load bets", err)
	}

	st := &Stats{
		UserID:      a.ID,
		Username:    a.Username,
		Balance:     a.Balance,
		ActivePicks: picks,
		TotalBets:   len(bets),
	}
	if st.ActivePicks == nil {
		st.ActivePicks = []model.Pick{}
	}
	for _, b := range bets {
		st.TotalWagered += b.Amount
		switch b.Status {
		case model.BetPending:
			st.PendingBets++
		case model.BetWon:
			st.WonBets++
			st.TotalWinnings += b.ActualPayout
		case model.BetLost:
			st.LostBets++
		}
	}
	return st, nil
}

// LeaderboardRow is one ranked account.
type LeaderboardRow struct {
	Rank        int         `json:"rank"`
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	Balance     int64       `json:"balance"`
	TotalEarned int64       `json:"total_earned"`
	TotalSpent  int64       `json:"total_spent"`
	ActivePick  *model.Pick `json:"active_pick,omitempty"`
}

// Leaderboard ranks accounts by balance. When seasonID is set each row
// carries the user's active pick for that season.
func (s *Service) Leaderboard(ctx context.Context, seasonID string, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	totals, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, apperr.Internal("failed to load leaderboard", err)
	}

	rows := make([]LeaderboardRow, 0, len(totals))
	for i, t := range totals {
		row := LeaderboardRow{
			Rank:        i + 1,
			UserID:      t.Account.ID,
			Username:    t.Account.Username,
			Balance:     t.Account.Balance,
			TotalEarned: t.TotalEarned,
			TotalSpent:  t.TotalSpent,
		}
		if seasonID != "" {
			picks, err := s.store.ListPicks(ctx, t.Account.ID, seasonID, true)
			if err != nil {
				return nil, apperr.Internal("failed to load picks", err)
			}
			if len(picks) > 0 {
				row.ActivePick = &picks[0]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Accounts is the read subset Lookup needs.
type Accounts interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// Lookup fetches an account and classifies a miss as user_not_found.
func Lookup(ctx context.Context, st Accounts, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, apperr.Validation("missing_fields", "Missing required fields")
	}
	a, err := st.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user_not_found", "User not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load account", err)
	}
	return a, nil
}
