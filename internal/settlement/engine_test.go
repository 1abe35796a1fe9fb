package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thecompound/ledger-engine/internal/apperr"
	"github.com/thecompound/ledger-engine/internal/events"
	"github.com/thecompound/ledger-engine/internal/model"
	"github.com/thecompound/ledger-engine/internal/settlement"
	"github.com/thecompound/ledger-engine/internal/store"
	"github.com/thecompound/ledger-engine/internal/wager"
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

type env struct {
	ms     *store.MemoryStore
	engine *settlement.Engine
	wager  *wager.Manager
	rec    *recorder
}

// newTestEnv seeds season s1 with contestants c1 (rank 1) and c2 (rank 2),
// live episode e1 with tasks t1 and t2 (no results yet), and accounts u1..u3.
func newTestEnv(t *testing.T, opts settlement.Options) *env {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	for _, id := range []string{"u1", "u2", "u3"} {
		must(ms.CreateAccount(ctx, &model.Account{ID: id, Username: id, Balance: 1000, CreatedAt: time.Now().UTC()}))
	}
	must(ms.CreateSeason(ctx, &model.Season{ID: "s1", SeasonNumber: 1, Status: model.SeasonActive}))
	must(ms.CreateContestant(ctx, &model.Contestant{ID: "c1", SeasonID: "s1", Name: "One", ColorIndex: 0, Stats: model.ContestantStats{TotalPoints: 50}}))
	must(ms.CreateContestant(ctx, &model.Contestant{ID: "c2", SeasonID: "s1", Name: "Two", ColorIndex: 1, Stats: model.ContestantStats{TotalPoints: 40}}))
	must(ms.CreateEpisode(ctx, &model.Episode{ID: "e1", SeasonID: "s1", EpisodeNumber: 3, Status: model.EpisodeLive}))
	must(ms.CreateTask(ctx, &model.Task{ID: "t1", EpisodeID: "e1", TaskNumber: 1}))
	must(ms.CreateTask(ctx, &model.Task{ID: "t2", EpisodeID: "e1", TaskNumber: 2}))

	rec := &recorder{}
	return &env{
		ms:     ms,
		engine: settlement.NewEngine(ms, rec, opts),
		wager:  wager.NewManager(ms, nil),
		rec:    rec,
	}
}

func (e *env) result(t *testing.T, taskID, contestantID string, score int, dq bool) {
	t.Helper()
	err := e.ms.CreateTaskResult(context.Background(), &model.TaskResult{
		ID: taskID + "-" + contestantID, TaskID: taskID, ContestantID: contestantID, Score: score, Disqualified: dq,
	})
	if err != nil {
		t.Fatalf("seed result: %v", err)
	}
}

func (e *env) pick(t *testing.T, userID, contestantID string) {
	t.Helper()
	err := e.ms.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertPick(context.Background(), &model.Pick{
			ID: "p-" + userID, UserID: userID, SeasonID: "s1", ContestantID: contestantID, Active: true, PickedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed pick: %v", err)
	}
}

func (e *env) balance(t *testing.T, userID string) int64 {
	t.Helper()
	a, err := e.ms.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return a.Balance
}

func (e *env) place(t *testing.T, req wager.PlaceBetRequest) *model.Bet {
	t.Helper()
	res, err := e.wager.PlaceBet(context.Background(), req)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	return res.Bet
}

// --- Reward pass ---

func TestProcessEpisodeRewards_CreditsPickHolders(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()

	// c1 scores 5 + 18 = 23 across two tasks.
	e.result(t, "t1", "c1", 5, false)
	e.result(t, "t1", "c2", 2, false)
	e.result(t, "t2", "c1", 18, false)
	e.pick(t, "u1", "c1")
	e.pick(t, "u2", "c2")

	// An inactive pick on c1 earns nothing.
	e.ms.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertPick(ctx, &model.Pick{ID: "old", UserID: "u3", SeasonID: "s1", ContestantID: "c1", Active: false})
	})

	summary, err := e.engine.ProcessEpisodeRewards(ctx, "e1")
	if err != nil {
		t.Fatalf("reward pass failed: %v", err)
	}

	if got := e.balance(t, "u1"); got != 1023 {
		t.Errorf("u1 expected 1023, got %d", got)
	}
	if got := e.balance(t, "u2"); got != 1002 {
		t.Errorf("u2 expected 1002, got %d", got)
	}
	if got := e.balance(t, "u3"); got != 1000 {
		t.Errorf("inactive pick holder should not be paid, got %d", got)
	}

	if summary.TransactionsCreated != 2 || summary.UsersRewarded != 2 {
		t.Errorf("unexpected counts: %+v", summary)
	}
	if len(summary.Rewards) != 2 || summary.Rewards[0].ContestantID != "c1" || summary.Rewards[0].Points != 23 || summary.Rewards[0].UsersRewarded != 1 {
		t.Errorf("unexpected breakdown: %+v", summary.Rewards)
	}

	entries, _ := e.ms.ListLedgerEntries(ctx, "u1")
	if len(entries) != 1 {
		t.Fatalf("expected one entry for u1, got %d", len(entries))
	}
	le := entries[0]
	if le.Amount != 23 || le.Kind != model.EntryEpisodeReward || le.EpisodeID != "e1" || le.ContestantID != "c1" {
		t.Errorf("unexpected reward entry: %+v", le)
	}

	ep, _ := e.ms.GetEpisode(ctx, "e1")
	if !ep.RewardsProcessed {
		t.Error("episode should be marked processed")
	}
	if e.rec.count(events.RewardsProcessed) != 1 {
		t.Error("expected one rewards_processed event")
	}
}

func TestProcessEpisodeRewards_Idempotent(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()
	e.result(t, "t1", "c1", 5, false)
	e.pick(t, "u1", "c1")

	if _, err := e.engine.ProcessEpisodeRewards(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	after := e.balance(t, "u1")

	_, err := e.engine.ProcessEpisodeRewards(ctx, "e1")
	if !apperr.HasCode(err, "already_processed") {
		t.Fatalf("expected already_processed, got %v", err)
	}
	if apperr.As(err).Kind != apperr.KindBusinessRule {
		t.Errorf("expected business_rule, got %s", apperr.As(err).Kind)
	}
	if got := e.balance(t, "u1"); got != after {
		t.Errorf("second call changed balance: %d -> %d", after, got)
	}
}

func TestProcessEpisodeRewards_ConcurrentCallsPayOnce(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()
	e.result(t, "t1", "c1", 4, false)
	e.pick(t, "u1", "c1")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.engine.ProcessEpisodeRewards(ctx, "e1")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !apperr.HasCode(err, "already_processed") {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("expected exactly one successful pass, got %d", ok)
	}
	if got := e.balance(t, "u1"); got != 1004 {
		t.Errorf("expected a single credit of 4, got balance %d", got)
	}
}

func TestProcessEpisodeRewards_FailureLeavesEpisodeUnprocessed(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()
	e.result(t, "t1", "c1", 5, false)
	e.result(t, "t1", "c2", 3, false)
	e.pick(t, "u1", "c1")
	e.pick(t, "u2", "c2")

	boom := errors.New("flag write failed")
	e.ms.FailOn("MarkRewardsProcessed", boom)
	_, err := e.engine.ProcessEpisodeRewards(ctx, "e1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if e.balance(t, "u1") != 1000 || e.balance(t, "u2") != 1000 {
		t.Error("credits must roll back with the flag")
	}

	e.ms.FailOn("MarkRewardsProcessed", nil)
	if _, err := e.engine.ProcessEpisodeRewards(ctx, "e1"); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if e.balance(t, "u1") != 1005 || e.balance(t, "u2") != 1003 {
		t.Errorf("retry should pay exactly once: u1=%d u2=%d", e.balance(t, "u1"), e.balance(t, "u2"))
	}
}

func TestProcessEpisodeRewards_DQScores(t *testing.T) {
	for _, tt := range []struct {
		name   string
		zeroDQ bool
		want   int64
	}{
		{"counted", false, 1008},
		{"zeroed", true, 1003},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, settlement.Options{ZeroDQScores: tt.zeroDQ})
			e.result(t, "t1", "c1", 5, true)
			e.result(t, "t2", "c1", 3, false)
			e.pick(t, "u1", "c1")

			if _, err := e.engine.ProcessEpisodeRewards(context.Background(), "e1"); err != nil {
				t.Fatal(err)
			}
			if got := e.balance(t, "u1"); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestProcessEpisodeRewards_NotFound(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	_, err := e.engine.ProcessEpisodeRewards(context.Background(), "nope")
	if !apperr.HasCode(err, "episode_not_found") || apperr.As(err).Kind != apperr.KindNotFound {
		t.Errorf("expected episode_not_found, got %v", err)
	}
	_, err = e.engine.ProcessEpisodeRewards(context.Background(), "")
	if !apperr.HasCode(err, "missing_fields") {
		t.Errorf("expected missing_fields, got %v", err)
	}
}

// --- Resolution pass ---

func TestResolveBets_WinnerScenario(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()

	bet := e.place(t, wager.PlaceBetRequest{UserID: "u1", EpisodeID: "e1", TaskID: "t1", BetType: model.BetTaskWinner, BetTarget: "c1", Amount: 100})
	if bet.PotentialPayout != 200 {
		t.Fatalf("expected potential 200 at 2.0x, got %d", bet.PotentialPayout)
	}
	before := e.balance(t, "u1")

	e.result(t, "t1", "c1", 5, false)
	e.result(t, "t1", "c2", 3, false)

	summary, err := e.engine.ResolveBets(ctx, "e1", "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Resolved != 1 || len(summary.Results) != 1 {
		t.Fatalf("expected 1 resolved, got %+v", summary)
	}
	r := summary.Results[0]
	if r.BetID != bet.ID || !r.Won || r.ActualPayout != 200 {
		t.Errorf("unexpected resolution: %+v", r)
	}
	if got := e.balance(t, "u1"); got != before+200 {
		t.Errorf("expected balance +200 from %d, got %d", before, got)
	}
	if got := e.balance(t, "u1"); got != 1100 {
		t.Errorf("expected net +100 overall, got %d", got)
	}

	bets, _ := e.ms.ListBets(ctx, store.BetFilter{UserID: "u1"})
	if bets[0].Status != model.BetWon || bets[0].ActualPayout != 200 || bets[0].ResolvedAt == nil {
		t.Errorf("unexpected stored bet: %+v", bets[0])
	}
	if e.rec.count(events.BetResolved) != 1 {
		t.Error("expected one bet_resolved event")
	}
}

func TestResolveBets_Conservation(t *testing.T) {
	tests := []struct {
		name     string
		winner   string
		wantNet  int64
		wantKind model.EntryKind
	}{
		{"lose", "c1", -50, model.EntryBetLost},
		{"win", "c2", 50, model.EntryBetWon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, settlement.Options{})
			ctx := context.Background()

			// Binary odds pay 2.0x regardless of rank.
			e.place(t, wager.PlaceBetRequest{UserID: "u1", EpisodeID: "e1", TaskID: "t1", BetType: model.BetDisqualification, BetTarget: "c2", Amount: 50})
			e.result(t, "t1", "c1", 5, false)
			e.result(t, "t1", "c2", 0, tt.winner == "c2")

			if _, err := e.engine.ResolveBets(ctx, "e1", "t1"); err != nil {
				t.Fatal(err)
			}
			if got := e.balance(t, "u1") - 1000; got != tt.wantNet {
				t.Errorf("net change = %d, want %d", got, tt.wantNet)
			}

			entries, _ := e.ms.ListLedgerEntries(ctx, "u1")
			if len(entries) != 2 || entries[0].Kind != tt.wantKind {
				t.Fatalf("unexpected entries: %+v", entries)
			}
			var sum int64
			for _, le := range entries {
				sum += le.Amount
			}
			if sum != tt.wantNet {
				t.Errorf("ledger sum %d does not match net %d", sum, tt.wantNet)
			}
			if tt.wantKind == model.EntryBetLost && entries[0].Amount != 0 {
				t.Errorf("bet_lost entry must be zero-amount, got %d", entries[0].Amount)
			}
		})
	}
}

func TestResolveBets_Idempotent(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()
	e.place(t, wager.PlaceBetRequest{UserID: "u1", EpisodeID: "e1", BetType: model.BetEpisodeWinner, BetTarget: "c1", Amount: 20})
	e.place(t, wager.PlaceBetRequest{UserID: "u2", EpisodeID: "e1", BetType: model.BetEpisodeWinner, BetTarget: "c2", Amount: 20})
	e.result(t, "t1", "c1", 5, false)
	e.result(t, "t2", "c2", 4, false)

	first, err := e.engine.ResolveBets(ctx, "e1", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.Resolved != 2 {
		t.Fatalf("expected 2 resolved, got %d", first.Resolved)
	}
	balances := []int64{e.balance(t, "u1"), e.balance(t, "u2")}

	second, err := e.engine.ResolveBets(ctx, "e1", "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Resolved != 0 || len(second.Results) != 0 {
		t.Errorf("second pass should resolve nothing, got %+v", second)
	}
	if e.balance(t, "u1") != balances[0] || e.balance(t, "u2") != balances[1] {
		t.Error("second pass changed balances")
	}
}

func TestResolveBets_SkipsUndecided(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()
	pendingBet := e.place(t, wager.PlaceBetRequest{UserID: "u1", EpisodeID: "e1", TaskID: "t2", BetType: model.BetTaskWinner, BetTarget: "c1", Amount: 10})
	e.place(t, wager.PlaceBetRequest{UserID: "u1", EpisodeID: "e1", TaskID: "t1", BetType: model.BetTaskWinner, BetTarget: "c1", Amount: 10})
	e.result(t, "t1", "c1", 5, false)

	summary, err := e.engine.ResolveBets(ctx, "e1", "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Resolved != 1 || len(summary.Skipped) != 1 || summary.Skipped[0].BetID != pendingBet.ID {
		t.Errorf("expected t2 bet skipped, got %+v", summary)
	}

	bets, _ := e.ms.ListBets(ctx, store.BetFilter{Status: model.BetPending})
	if len(bets) != 1 || bets[0].ID != pendingBet.ID {
		t.Errorf("skipped bet should stay pending, got %+v", bets)
	}
}

func TestResolveBets_TaskFilter(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()
	e.place(t, wager.PlaceBetRequest{UserID: "u1", EpisodeID: "e1", TaskID: "t1", BetType: model.BetTaskWinner, BetTarget: "c1", Amount: 10})
	e.place(t, wager.PlaceBetRequest{UserID: "u2", EpisodeID: "e1", TaskID: "t2", BetType: model.BetTaskWinner, BetTarget: "c1", Amount: 10})
	e.result(t, "t1", "c1", 5, false)
	e.result(t, "t2", "c1", 5, false)

	summary, err := e.engine.ResolveBets(ctx, "e1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Resolved != 1 {
		t.Errorf("expected only the t1 bet, got %d", summary.Resolved)
	}
	pending, _ := e.ms.ListBets(ctx, store.BetFilter{Status: model.BetPending})
	if len(pending) != 1 || pending[0].TaskID != "t2" {
		t.Errorf("t2 bet should remain pending, got %+v", pending)
	}

	if _, err := e.engine.ResolveBets(ctx, "e1", "t-missing"); !apperr.HasCode(err, "task_not_found") {
		t.Errorf("expected task_not_found, got %v", err)
	}
}

func TestResolveBets_PartialProgressOnFailure(t *testing.T) {
	e := newTestEnv(t, settlement.Options{})
	ctx := context.Background()
	e.place(t, wager.PlaceBetRequest{UserID: "u1", EpisodeID: "e1", TaskID: "t1", BetType: model.BetTaskWinner, BetTarget: "c1", Amount: 10})
	time.Sleep(time.Millisecond)
	e.place(t, wager.PlaceBetRequest{UserID: "u2", EpisodeID: "e1", TaskID: "t1", BetType: model.BetTaskWinner, BetTarget: "c1", Amount: 10})
	e.result(t, "t1", "c1", 5, false)

	// Let the first bet commit, then fail the second.
	calls := 0
	failing := &failAfter{MemoryStore: e.ms, n: 1, calls: &calls}
	engine := settlement.NewEngine(failing, nil, settlement.Options{})

	_, err := engine.ResolveBets(ctx, "e1", "")
	if err == nil {
		t.Fatal("expected failure on second bet")
	}

	won, _ := e.ms.ListBets(ctx, store.BetFilter{Status: model.BetWon})
	pending, _ := e.ms.ListBets(ctx, store.BetFilter{Status: model.BetPending})
	if len(won) != 1 || len(pending) != 1 {
		t.Fatalf("expected one resolved and one pending, got won=%d pending=%d", len(won), len(pending))
	}
	if pending[0].UserID != "u2" {
		t.Errorf("expected the later bet to remain pending, got %s", pending[0].UserID)
	}
	if e.balance(t, "u2") != 990 {
		t.Errorf("failed bet must not be paid, u2=%d", e.balance(t, "u2"))
	}
}

// failAfter lets n transactions through, then fails every later one.
type failAfter struct {
	*store.MemoryStore
	n     int
	calls *int
}

func (f *failAfter) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	*f.calls++
	if *f.calls > f.n {
		return f.MemoryStore.WithTx(ctx, func(tx store.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return errors.New("commit failed")
		})
	}
	return f.MemoryStore.WithTx(ctx, fn)
}
