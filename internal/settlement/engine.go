// Package settlement distributes episode rewards to pick holders and
// resolves pending bets against recorded task results.
//
// The reward pass is one transaction including the rewards_processed flag,
// so an episode is paid in full exactly once. Bet resolution commits one
// transaction per bet; a bet already resolved is never selected again.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/thecompound/ledger-engine/internal/apperr"
	"github.com/thecompound/ledger-engine/internal/events"
	"github.com/thecompound/ledger-engine/internal/ledger"
	"github.com/thecompound/ledger-engine/internal/metrics"
	"github.com/thecompound/ledger-engine/internal/model"
	"github.com/thecompound/ledger-engine/internal/store"
)

// Options tunes scoring.
type Options struct {
	// ZeroDQScores counts disqualified results as zero points.
	ZeroDQScores bool
}

// Engine runs the reward and resolution passes.
type Engine struct {
	store  store.Store
	events events.Publisher
	scorer scorer
}

// NewEngine creates a settlement engine. pub may be nil.
func NewEngine(st store.Store, pub events.Publisher, opts Options) *Engine {
	return &Engine{store: st, events: pub, scorer: scorer{zeroDQ: opts.ZeroDQScores}}
}

// ContestantReward is one contestant's line in a reward summary.
type ContestantReward struct {
	ContestantID  string `json:"contestant_id"`
	Points        int    `json:"points"`
	UsersRewarded int    `json:"users_rewarded"`
}

// RewardSummary is the result of ProcessEpisodeRewards.
type RewardSummary struct {
	EpisodeID           string             `json:"episode_id"`
	EpisodeNumber       int                `json:"episode_number"`
	TransactionsCreated int                `json:"transactions_created"`
	UsersRewarded       int                `json:"users_rewarded"`
	Rewards             []ContestantReward `json:"rewards"`
}

// ProcessEpisodeRewards credits every active pick holder with the points
// their contestant scored in the episode, then marks the episode processed.
// A second call fails with already_processed and pays nothing.
func (e *Engine) ProcessEpisodeRewards(ctx context.Context, episodeID string) (*RewardSummary, error) {
	if episodeID == "" {
		return nil, apperr.Validation("missing_fields", "episodeId is required")
	}

	var (
		summary *RewardSummary
		credits []*model.LedgerEntry
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		summary, credits = nil, nil

		ep, err := tx.LockEpisode(ctx, episodeID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("episode_not_found", "Episode not found")
		}
		if err != nil {
			return fmt.Errorf("lock episode: %w", err)
		}
		if ep.RewardsProcessed {
			return apperr.Rule("already_processed", "Rewards for this episode have already been processed")
		}

		tasks, err := tx.ListTasks(ctx, ep.ID)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		picks, err := tx.ActivePicks(ctx, ep.SeasonID)
		if err != nil {
			return fmt.Errorf("active picks: %w", err)
		}

		backers := make(map[string][]model.Pick)
		for _, p := range picks {
			backers[p.ContestantID] = append(backers[p.ContestantID], p)
		}

		totals := e.scorer.totals(tasks)
		summary = &RewardSummary{
			EpisodeID:     ep.ID,
			EpisodeNumber: ep.EpisodeNumber,
			Rewards:       make([]ContestantReward, 0, len(totals.order)),
		}
		rewarded := make(map[string]bool)

		for _, contestantID := range totals.order {
			points := totals.points[contestantID]
			line := ContestantReward{ContestantID: contestantID, Points: points}
			if points > 0 {
				holders := backers[contestantID]
				// Stable account lock order across concurrent passes.
				sort.Slice(holders, func(i, j int) bool { return holders[i].UserID < holders[j].UserID })
				for _, p := range holders {
					entry := &model.LedgerEntry{
						AccountID:    p.UserID,
						Amount:       int64(points),
						Kind:         model.EntryEpisodeReward,
						Description:  fmt.Sprintf("Episode %d reward: %d points earned by your contestant", ep.EpisodeNumber, points),
						EpisodeID:    ep.ID,
						ContestantID: contestantID,
					}
					if _, err := ledger.Post(ctx, tx, entry); err != nil {
						return fmt.Errorf("credit %s: %w", p.UserID, err)
					}
					credits = append(credits, entry)
					rewarded[p.UserID] = true
					line.UsersRewarded++
				}
			}
			summary.Rewards = append(summary.Rewards, line)
		}
		summary.TransactionsCreated = len(credits)
		summary.UsersRewarded = len(rewarded)

		return tx.MarkRewardsProcessed(ctx, ep.ID)
	})
	if err != nil {
		return nil, apperr.Wrap(err, "Failed to process episode rewards")
	}

	var total int64
	for _, c := range credits {
		total += c.Amount
	}
	metrics.EpisodesProcessed.Inc()
	metrics.RewardsCredited.Add(float64(total))

	slog.Info("episode rewards processed",
		"episode", summary.EpisodeID,
		"transactions", summary.TransactionsCreated,
		"users", summary.UsersRewarded,
		"currency", total,
	)
	events.Emit(ctx, e.events, events.Event{
		Type:      events.RewardsProcessed,
		EpisodeID: summary.EpisodeID,
		Amount:    total,
		Data:      summary,
	})
	return summary, nil
}

// BetResolution is one settled bet.
type BetResolution struct {
	BetID        string `json:"bet_id"`
	Won          bool   `json:"won"`
	ActualPayout int64  `json:"actual_payout"`
}

// SkippedBet is a pending bet the pass could not decide.
type SkippedBet struct {
	BetID  string `json:"bet_id"`
	Reason string `json:"reason"`
}

// ResolveSummary is the result of ResolveBets.
type ResolveSummary struct {
	EpisodeID string          `json:"episode_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Resolved  int             `json:"resolved"`
	Results   []BetResolution `json:"results"`
	Skipped   []SkippedBet    `json:"skipped,omitempty"`
}

// ResolveBets settles the episode's pending bets, optionally narrowed to
// one task. Each bet commits on its own, so a failure part way through
// leaves earlier bets resolved and later ones pending.
func (e *Engine) ResolveBets(ctx context.Context, episodeID, taskID string) (*ResolveSummary, error) {
	if episodeID == "" {
		return nil, apperr.Validation("missing_fields", "episodeId is required")
	}
	ep, err := e.store.GetEpisode(ctx, episodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("episode_not_found", "Episode not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load episode", err)
	}

	tasks, err := e.store.ListTasks(ctx, ep.ID)
	if err != nil {
		return nil, apperr.Internal("failed to load task results", err)
	}
	if taskID != "" && !containsTask(tasks, taskID) {
		return nil, apperr.NotFound("task_not_found", "Task not found")
	}

	pending, err := e.store.ListBets(ctx, store.BetFilter{EpisodeID: ep.ID, TaskID: taskID, Status: model.BetPending})
	if err != nil {
		return nil, apperr.Internal("failed to load pending bets", err)
	}
	// Oldest first.
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].PlacedAt.Before(pending[j].PlacedAt) })

	summary := &ResolveSummary{EpisodeID: ep.ID, TaskID: taskID, Results: []BetResolution{}}
	for _, bet := range pending {
		verdict, reason := e.scorer.judge(bet, tasks)
		if verdict == undecided {
			summary.Skipped = append(summary.Skipped, SkippedBet{BetID: bet.ID, Reason: reason})
			continue
		}

		res, settled, err := e.settle(ctx, bet, verdict == won)
		if err != nil {
			slog.Error("bet resolution failed", "bet_id", bet.ID, "resolved_so_far", summary.Resolved, "err", err)
			return nil, apperr.Wrap(err, "Failed to resolve bets")
		}
		if !settled {
			continue
		}
		summary.Results = append(summary.Results, res)
		summary.Resolved++
	}

	slog.Info("bets resolved",
		"episode", ep.ID,
		"task", taskID,
		"resolved", summary.Resolved,
		"skipped", len(summary.Skipped),
	)
	return summary, nil
}

// settle resolves one bet in its own transaction. settled is false when
// another pass resolved the bet first.
func (e *Engine) settle(ctx context.Context, bet model.Bet, isWin bool) (BetResolution, bool, error) {
	res := BetResolution{BetID: bet.ID, Won: isWin}
	status := model.BetLost
	if isWin {
		status = model.BetWon
		res.ActualPayout = bet.PotentialPayout
	}

	var (
		settled bool
		balance int64
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		settled = false
		locked, err := tx.LockBet(ctx, bet.ID)
		if err != nil {
			return fmt.Errorf("lock bet: %w", err)
		}
		if locked.Status != model.BetPending {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.ResolveBet(ctx, bet.ID, status, res.ActualPayout, now); err != nil {
			if errors.Is(err, store.ErrBetNotPending) {
				return nil
			}
			return fmt.Errorf("resolve bet: %w", err)
		}

		entry := &model.LedgerEntry{
			AccountID: bet.UserID,
			Kind:      model.EntryBetLost,
			EpisodeID: bet.EpisodeID,
			BetID:     bet.ID,
			CreatedAt: now,
		}
		if isWin {
			entry.Kind = model.EntryBetWon
			entry.Amount = res.ActualPayout
			entry.Description = fmt.Sprintf("Won bet on %s: %d", bet.BetType, res.ActualPayout)
		} else {
			entry.Description = fmt.Sprintf("Lost bet on %s: %d wagered", bet.BetType, bet.Amount)
		}
		balance, err = ledger.Post(ctx, tx, entry)
		if err != nil {
			return err
		}
		settled = true
		return nil
	})
	if err != nil || !settled {
		return res, false, err
	}

	metrics.BetsResolved.WithLabelValues(string(bet.BetType), string(status)).Inc()
	if isWin {
		metrics.PayoutTotal.Add(float64(res.ActualPayout))
	}
	events.Emit(ctx, e.events, events.Event{
		Type:      events.BetResolved,
		UserID:    bet.UserID,
		EpisodeID: bet.EpisodeID,
		TaskID:    bet.TaskID,
		BetID:     bet.ID,
		Amount:    res.ActualPayout,
		Balance:   &balance,
		Won:       &res.Won,
	})
	return res, true, nil
}

func containsTask(tasks []model.TaskWithResults, taskID string) bool {
	for _, t := range tasks {
		if t.Task.ID == taskID {
			return true
		}
	}
	return false
}
