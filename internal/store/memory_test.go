package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thecompound/ledger-engine/internal/model"
	"github.com/thecompound/ledger-engine/internal/store"
)

func seedAccount(t *testing.T, ms *store.MemoryStore, id string, balance int64) {
	t.Helper()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID: id, Username: id, Balance: balance, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func seedEpisode(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	if err := ms.CreateSeason(ctx, &model.Season{ID: "s1", SeasonNumber: 1, Status: model.SeasonActive}); err != nil {
		t.Fatalf("seed season: %v", err)
	}
	if err := ms.CreateEpisode(ctx, &model.Episode{ID: "e1", SeasonID: "s1", EpisodeNumber: 1, Status: model.EpisodeLive}); err != nil {
		t.Fatalf("seed episode: %v", err)
	}
}

func TestMemoryStore_WithTxCommits(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "u1", 1000)

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		bal, err := tx.AdjustBalance(ctx, "u1", -50)
		if err != nil {
			return err
		}
		if bal != 950 {
			t.Errorf("expected 950 inside tx, got %d", bal)
		}
		return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "le1", AccountID: "u1", Amount: -50, Kind: model.EntryBetPlaced})
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	a, _ := ms.GetAccount(ctx, "u1")
	if a.Balance != 950 {
		t.Errorf("expected committed balance 950, got %d", a.Balance)
	}
	entries, _ := ms.ListLedgerEntries(ctx, "u1")
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestMemoryStore_WithTxRollsBackOnError(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "u1", 1000)
	seedEpisode(t, ms)

	boom := errors.New("disk on fire")
	ms.FailOn("InsertLedgerEntry", boom)

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertBet(ctx, &model.Bet{ID: "b1", UserID: "u1", EpisodeID: "e1", Status: model.BetPending}); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, "u1", -100); err != nil {
			return err
		}
		if err := tx.MarkRewardsProcessed(ctx, "e1"); err != nil {
			return err
		}
		return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "le1", AccountID: "u1", Amount: -100})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	a, _ := ms.GetAccount(ctx, "u1")
	if a.Balance != 1000 {
		t.Errorf("balance should roll back to 1000, got %d", a.Balance)
	}
	bets, _ := ms.ListBets(ctx, store.BetFilter{})
	if len(bets) != 0 {
		t.Errorf("bet should roll back, got %d", len(bets))
	}
	e, _ := ms.GetEpisode(ctx, "e1")
	if e.RewardsProcessed {
		t.Error("rewards flag should roll back")
	}
}

func TestMemoryStore_AdjustBalanceNeverNegative(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "u1", 40)

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustBalance(ctx, "u1", -41)
		return err
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	err = ms.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustBalance(ctx, "missing", 10)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ResolveBetOnlyFromPending(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "u1", 1000)
	seedEpisode(t, ms)

	bet := &model.Bet{
		ID: "b1", UserID: "u1", EpisodeID: "e1", BetType: model.BetTaskWinner,
		Amount: 50, Odds: decimal.NewFromInt(2), PotentialPayout: 100, Status: model.BetPending,
	}
	if err := ms.WithTx(ctx, func(tx store.Tx) error { return tx.InsertBet(ctx, bet) }); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	resolve := func() error {
		return ms.WithTx(ctx, func(tx store.Tx) error {
			return tx.ResolveBet(ctx, "b1", model.BetWon, 100, now)
		})
	}
	if err := resolve(); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if err := resolve(); !errors.Is(err, store.ErrBetNotPending) {
		t.Fatalf("expected ErrBetNotPending, got %v", err)
	}

	bets, _ := ms.ListBets(ctx, store.BetFilter{Status: model.BetWon})
	if len(bets) != 1 || bets[0].ActualPayout != 100 || bets[0].ResolvedAt == nil {
		t.Errorf("unexpected resolved bet: %+v", bets)
	}
}

func TestMemoryStore_OneActivePickPerSeason(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "u1", 1000)

	insert := func(id string, active bool) error {
		return ms.WithTx(ctx, func(tx store.Tx) error {
			return tx.InsertPick(ctx, &model.Pick{ID: id, UserID: "u1", SeasonID: "s1", ContestantID: "c-" + id, Active: active})
		})
	}
	if err := insert("p1", true); err != nil {
		t.Fatal(err)
	}
	if err := insert("p2", true); !errors.Is(err, store.ErrActivePickExists) {
		t.Fatalf("expected ErrActivePickExists, got %v", err)
	}
	if err := insert("p3", false); err != nil {
		t.Fatalf("inactive pick should be accepted: %v", err)
	}

	active, _ := ms.ListPicks(ctx, "u1", "s1", true)
	if len(active) != 1 || active[0].ID != "p1" {
		t.Errorf("expected only p1 active, got %+v", active)
	}
}

func TestMemoryStore_ListTasksOrdered(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedEpisode(t, ms)
	ms.CreateContestant(ctx, &model.Contestant{ID: "c1", SeasonID: "s1", Name: "A"})

	ms.CreateTask(ctx, &model.Task{ID: "t2", EpisodeID: "e1", TaskNumber: 2})
	ms.CreateTask(ctx, &model.Task{ID: "t1", EpisodeID: "e1", TaskNumber: 1})
	ms.CreateTaskResult(ctx, &model.TaskResult{ID: "r1", TaskID: "t1", ContestantID: "c1", Score: 3})

	if err := ms.CreateTask(ctx, &model.Task{ID: "tx", EpisodeID: "nope", TaskNumber: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing episode, got %v", err)
	}

	tasks, err := ms.ListTasks(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].Task.ID != "t1" || tasks[1].Task.ID != "t2" {
		t.Fatalf("unexpected task order: %+v", tasks)
	}
	if len(tasks[0].Results) != 1 || tasks[0].Results[0].Score != 3 {
		t.Errorf("unexpected results: %+v", tasks[0].Results)
	}
	if len(tasks[1].Results) != 0 {
		t.Errorf("expected no results for t2, got %d", len(tasks[1].Results))
	}
}

func TestMemoryStore_Leaderboard(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "u1", 1000)
	seedAccount(t, ms, "u2", 1000)

	ms.WithTx(ctx, func(tx store.Tx) error {
		tx.AdjustBalance(ctx, "u2", 75)
		tx.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "le1", AccountID: "u2", Amount: 100})
		tx.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "le2", AccountID: "u2", Amount: -25})
		return nil
	})

	rows, _ := ms.Leaderboard(ctx, 1)
	if len(rows) != 1 {
		t.Fatalf("expected limit to apply, got %d rows", len(rows))
	}
	if rows[0].Account.ID != "u2" || rows[0].TotalEarned != 100 || rows[0].TotalSpent != 25 {
		t.Errorf("unexpected top row: %+v", rows[0])
	}
}
