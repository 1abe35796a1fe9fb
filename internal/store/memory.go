package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/thecompound/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithTx holds the write lock for the whole transaction, so transactions
// are fully serialized. A snapshot taken at begin is restored on error.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]model.Account
	seasons     map[string]model.Season
	contestants map[string]model.Contestant
	episodes    map[string]model.Episode
	tasks       map[string]model.Task
	results     []model.TaskResult
	bets        []model.Bet
	picks       []model.Pick
	ledger      []model.LedgerEntry

	// faults lets tests force a Tx operation to fail.
	faults map[string]error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]model.Account),
		seasons:     make(map[string]model.Season),
		contestants: make(map[string]model.Contestant),
		episodes:    make(map[string]model.Episode),
		tasks:       make(map[string]model.Task),
		faults:      make(map[string]error),
	}
}

// FailOn makes every subsequent call to the named Tx method (for example
// "InsertLedgerEntry") return err. Pass a nil err to clear it.
func (s *MemoryStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

type memSnapshot struct {
	accounts map[string]model.Account
	episodes map[string]model.Episode
	bets     []model.Bet
	picks    []model.Pick
	ledger   []model.LedgerEntry
}

// snapshot copies the state a Tx can write. Content rows are never
// written inside a transaction except the episode flag.
func (s *MemoryStore) snapshot() memSnapshot {
	return memSnapshot{
		accounts: maps.Clone(s.accounts),
		episodes: maps.Clone(s.episodes),
		bets:     slices.Clone(s.bets),
		picks:    slices.Clone(s.picks),
		ledger:   slices.Clone(s.ledger),
	}
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.accounts = snap.accounts
	s.episodes = snap.episodes
	s.bets = snap.bets
	s.picks = snap.picks
	s.ledger = snap.ledger
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// --- Accounts and ledger ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", ErrDuplicate, a.ID)
	}
	for _, existing := range s.accounts {
		if a.Username != "" && existing.Username == a.Username {
			return fmt.Errorf("%w: username %s", ErrDuplicate, a.Username)
		}
	}
	s.accounts[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(id)
}

func (s *MemoryStore) getAccount(id string) (*model.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].AccountID == accountID {
			result = append(result, s.ledger[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]AccountTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]*AccountTotals, len(s.accounts))
	rows := make([]*AccountTotals, 0, len(s.accounts))
	for _, a := range s.accounts {
		row := &AccountTotals{Account: a}
		totals[a.ID] = row
		rows = append(rows, row)
	}
	for _, e := range s.ledger {
		row, ok := totals[e.AccountID]
		if !ok {
			continue
		}
		if e.Amount > 0 {
			row.TotalEarned += e.Amount
		} else {
			row.TotalSpent -= e.Amount
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Account.Balance != rows[j].Account.Balance {
			return rows[i].Account.Balance > rows[j].Account.Balance
		}
		return rows[i].Account.CreatedAt.Before(rows[j].Account.CreatedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]AccountTotals, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// --- Bets and picks ---

func (s *MemoryStore) ListBets(_ context.Context, f BetFilter) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listBets(f), nil
}

func (s *MemoryStore) listBets(f BetFilter) []model.Bet {
	var result []model.Bet
	for i := len(s.bets) - 1; i >= 0; i-- {
		b := s.bets[i]
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if f.EpisodeID != "" && b.EpisodeID != f.EpisodeID {
			continue
		}
		if f.TaskID != "" && b.TaskID != f.TaskID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		result = append(result, b)
	}
	return result
}

func (s *MemoryStore) ListPicks(_ context.Context, userID, seasonID string, activeOnly bool) ([]model.Pick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Pick
	for i := len(s.picks) - 1; i >= 0; i-- {
		p := s.picks[i]
		if p.UserID != userID {
			continue
		}
		if seasonID != "" && p.SeasonID != seasonID {
			continue
		}
		if activeOnly && !p.Active {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

// --- Content ---

func (s *MemoryStore) CreateSeason(_ context.Context, season *model.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seasons[season.ID]; ok {
		return fmt.Errorf("%w: season %s", ErrDuplicate, season.ID)
	}
	s.seasons[season.ID] = *season
	return nil
}

func (s *MemoryStore) CreateContestant(_ context.Context, c *model.Contestant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seasons[c.SeasonID]; !ok {
		return fmt.Errorf("season %s: %w", c.SeasonID, ErrNotFound)
	}
	if _, ok := s.contestants[c.ID]; ok {
		return fmt.Errorf("%w: contestant %s", ErrDuplicate, c.ID)
	}
	s.contestants[c.ID] = *c
	return nil
}

func (s *MemoryStore) CreateEpisode(_ context.Context, e *model.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seasons[e.SeasonID]; !ok {
		return fmt.Errorf("season %s: %w", e.SeasonID, ErrNotFound)
	}
	if _, ok := s.episodes[e.ID]; ok {
		return fmt.Errorf("%w: episode %s", ErrDuplicate, e.ID)
	}
	s.episodes[e.ID] = *e
	return nil
}

func (s *MemoryStore) CreateTask(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.episodes[t.EpisodeID]; !ok {
		return fmt.Errorf("episode %s: %w", t.EpisodeID, ErrNotFound)
	}
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: task %s", ErrDuplicate, t.ID)
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *MemoryStore) CreateTaskResult(_ context.Context, r *model.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[r.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", r.TaskID, ErrNotFound)
	}
	s.results = append(s.results, *r)
	return nil
}

func (s *MemoryStore) SetEpisodeStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[id]
	if !ok {
		return fmt.Errorf("episode %s: %w", id, ErrNotFound)
	}
	e.Status = status
	s.episodes[id] = e
	return nil
}

// --- Reader ---

func (s *MemoryStore) GetSeason(_ context.Context, id string) (*model.Season, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSeason(id)
}

func (s *MemoryStore) getSeason(id string) (*model.Season, error) {
	season, ok := s.seasons[id]
	if !ok {
		return nil, fmt.Errorf("season %s: %w", id, ErrNotFound)
	}
	return &season, nil
}

func (s *MemoryStore) GetEpisode(_ context.Context, id string) (*model.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEpisode(id)
}

func (s *MemoryStore) getEpisode(id string) (*model.Episode, error) {
	e, ok := s.episodes[id]
	if !ok {
		return nil, fmt.Errorf("episode %s: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (s *MemoryStore) ListContestants(_ context.Context, seasonID string) ([]model.Contestant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listContestants(seasonID), nil
}

func (s *MemoryStore) listContestants(seasonID string) []model.Contestant {
	var result []model.Contestant
	for _, c := range s.contestants {
		if c.SeasonID == seasonID {
			result = append(result, c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].ColorIndex != result[j].ColorIndex {
			return result[i].ColorIndex < result[j].ColorIndex
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *MemoryStore) ListTasks(_ context.Context, episodeID string) ([]model.TaskWithResults, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTasks(episodeID), nil
}

func (s *MemoryStore) listTasks(episodeID string) []model.TaskWithResults {
	var result []model.TaskWithResults
	for _, t := range s.tasks {
		if t.EpisodeID != episodeID {
			continue
		}
		twr := model.TaskWithResults{Task: t, Results: []model.TaskResult{}}
		for _, r := range s.results {
			if r.TaskID == t.ID {
				twr.Results = append(twr.Results, r)
			}
		}
		result = append(result, twr)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Task.TaskNumber != result[j].Task.TaskNumber {
			return result[i].Task.TaskNumber < result[j].Task.TaskNumber
		}
		return result[i].Task.ID < result[j].Task.ID
	})
	return result
}

// memTx runs with s.mu already held by WithTx.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) fault(op string) error {
	return t.s.faults[op]
}

func (t *memTx) GetSeason(_ context.Context, id string) (*model.Season, error) {
	return t.s.getSeason(id)
}

func (t *memTx) GetEpisode(_ context.Context, id string) (*model.Episode, error) {
	return t.s.getEpisode(id)
}

func (t *memTx) ListContestants(_ context.Context, seasonID string) ([]model.Contestant, error) {
	return t.s.listContestants(seasonID), nil
}

func (t *memTx) ListTasks(_ context.Context, episodeID string) ([]model.TaskWithResults, error) {
	return t.s.listTasks(episodeID), nil
}

func (t *memTx) LockAccount(_ context.Context, id string) (*model.Account, error) {
	if err := t.fault("LockAccount"); err != nil {
		return nil, err
	}
	return t.s.getAccount(id)
}

func (t *memTx) LockEpisode(_ context.Context, id string) (*model.Episode, error) {
	return t.s.getEpisode(id)
}

func (t *memTx) LockBet(_ context.Context, id string) (*model.Bet, error) {
	for _, b := range t.s.bets {
		if b.ID == id {
			return &b, nil
		}
	}
	return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
}

func (t *memTx) LockActivePick(_ context.Context, userID, seasonID string) (*model.Pick, error) {
	for _, p := range t.s.picks {
		if p.UserID == userID && p.SeasonID == seasonID && p.Active {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("active pick for %s/%s: %w", userID, seasonID, ErrNotFound)
}

func (t *memTx) ActivePicks(_ context.Context, seasonID string) ([]model.Pick, error) {
	var result []model.Pick
	for _, p := range t.s.picks {
		if p.SeasonID == seasonID && p.Active {
			result = append(result, p)
		}
	}
	return result, nil
}

func (t *memTx) AdjustBalance(_ context.Context, accountID string, delta int64) (int64, error) {
	if err := t.fault("AdjustBalance"); err != nil {
		return 0, err
	}
	a, ok := t.s.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if a.Balance+delta < 0 {
		return a.Balance, ErrInsufficientFunds
	}
	a.Balance += delta
	t.s.accounts[accountID] = a
	return a.Balance, nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	if err := t.fault("InsertLedgerEntry"); err != nil {
		return err
	}
	t.s.ledger = append(t.s.ledger, *e)
	return nil
}

func (t *memTx) InsertBet(_ context.Context, b *model.Bet) error {
	if err := t.fault("InsertBet"); err != nil {
		return err
	}
	t.s.bets = append(t.s.bets, *b)
	return nil
}

func (t *memTx) ResolveBet(_ context.Context, id string, status model.BetStatus, payout int64, at time.Time) error {
	if err := t.fault("ResolveBet"); err != nil {
		return err
	}
	for i := range t.s.bets {
		if t.s.bets[i].ID != id {
			continue
		}
		if t.s.bets[i].Status != model.BetPending {
			return ErrBetNotPending
		}
		resolvedAt := at
		t.s.bets[i].Status = status
		t.s.bets[i].ActualPayout = payout
		t.s.bets[i].ResolvedAt = &resolvedAt
		return nil
	}
	return fmt.Errorf("bet %s: %w", id, ErrNotFound)
}

func (t *memTx) InsertPick(_ context.Context, p *model.Pick) error {
	if err := t.fault("InsertPick"); err != nil {
		return err
	}
	if p.Active {
		for _, existing := range t.s.picks {
			if existing.UserID == p.UserID && existing.SeasonID == p.SeasonID && existing.Active {
				return ErrActivePickExists
			}
		}
	}
	t.s.picks = append(t.s.picks, *p)
	return nil
}

func (t *memTx) DeactivatePick(_ context.Context, id string) error {
	for i := range t.s.picks {
		if t.s.picks[i].ID == id {
			t.s.picks[i].Active = false
			return nil
		}
	}
	return fmt.Errorf("pick %s: %w", id, ErrNotFound)
}

func (t *memTx) MarkRewardsProcessed(_ context.Context, episodeID string) error {
	if err := t.fault("MarkRewardsProcessed"); err != nil {
		return err
	}
	e, ok := t.s.episodes[episodeID]
	if !ok {
		return fmt.Errorf("episode %s: %w", episodeID, ErrNotFound)
	}
	e.RewardsProcessed = true
	t.s.episodes[episodeID] = e
	return nil
}
