package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/thecompound/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Odds are stored as NUMERIC for exact decimal precision; currency is BIGINT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so reads can be
// shared between the store and its transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn in a READ COMMITTED transaction. Rows that are read and
// then written are taken with SELECT ... FOR UPDATE, so concurrent
// mutations of the same account serialize on the row lock.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Accounts and ledger ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, balance, created_at)
		 VALUES ($1, $2, $3, $4)`,
		a.ID, a.Username, a.Balance, a.CreatedAt,
	)
	return mapPgError(err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, amount, kind, description,
		        COALESCE(episode_id, ''), COALESCE(contestant_id, ''), COALESCE(bet_id, ''),
		        created_at
		 FROM ledger_entries WHERE account_id = $1
		 ORDER BY created_at DESC, seq DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Kind, &e.Description,
			&e.EpisodeID, &e.ContestantID, &e.BetID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]AccountTotals, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.username, a.balance, a.created_at,
		        COALESCE(SUM(CASE WHEN le.amount > 0 THEN le.amount ELSE 0 END), 0) AS earned,
		        COALESCE(SUM(CASE WHEN le.amount < 0 THEN -le.amount ELSE 0 END), 0) AS spent
		 FROM accounts a
		 LEFT JOIN ledger_entries le ON le.account_id = a.id
		 GROUP BY a.id, a.username, a.balance, a.created_at
		 ORDER BY a.balance DESC, a.created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountTotals
	for rows.Next() {
		var t AccountTotals
		if err := rows.Scan(&t.Account.ID, &t.Account.Username, &t.Account.Balance, &t.Account.CreatedAt,
			&t.TotalEarned, &t.TotalSpent); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Bets and picks ---

func (s *PostgresStore) ListBets(ctx context.Context, f BetFilter) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		betColumns+`
		 FROM bets
		 WHERE ($1 = '' OR user_id = $1)
		   AND ($2 = '' OR episode_id = $2)
		   AND ($3 = '' OR task_id = $3)
		   AND ($4 = '' OR status = $4)
		 ORDER BY placed_at DESC`,
		f.UserID, f.EpisodeID, f.TaskID, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) ListPicks(ctx context.Context, userID, seasonID string, activeOnly bool) ([]model.Pick, error) {
	rows, err := s.pool.Query(ctx,
		pickColumns+`
		 FROM picks
		 WHERE user_id = $1
		   AND ($2 = '' OR season_id = $2)
		   AND (NOT $3 OR active)
		 ORDER BY picked_at DESC`, userID, seasonID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPicks(rows)
}

// --- Content ---

func (s *PostgresStore) CreateSeason(ctx context.Context, season *model.Season) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seasons (id, season_number, status) VALUES ($1, $2, $3)`,
		season.ID, season.SeasonNumber, season.Status)
	return mapPgError(err)
}

func (s *PostgresStore) CreateContestant(ctx context.Context, c *model.Contestant) error {
	stats, err := json.Marshal(c.Stats)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO contestants (id, season_id, name, color_index, tracked_stats)
		 VALUES ($1, $2, $3, $4, $5::JSONB)`,
		c.ID, c.SeasonID, c.Name, c.ColorIndex, string(stats))
	return mapPgError(err)
}

func (s *PostgresStore) CreateEpisode(ctx context.Context, e *model.Episode) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO episodes (id, season_id, episode_number, title, status, rewards_processed)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SeasonID, e.EpisodeNumber, e.Title, e.Status, e.RewardsProcessed)
	return mapPgError(err)
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, episode_id, task_number, task_type) VALUES ($1, $2, $3, $4)`,
		t.ID, t.EpisodeID, t.TaskNumber, t.TaskType)
	return mapPgError(err)
}

func (s *PostgresStore) CreateTaskResult(ctx context.Context, r *model.TaskResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_results (id, task_id, contestant_id, score, disqualified)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.TaskID, r.ContestantID, r.Score, r.Disqualified)
	return mapPgError(err)
}

func (s *PostgresStore) SetEpisodeStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE episodes SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("episode %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Reader ---

func (s *PostgresStore) GetSeason(ctx context.Context, id string) (*model.Season, error) {
	return getSeason(ctx, s.pool, id)
}

func (s *PostgresStore) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	return getEpisode(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListContestants(ctx context.Context, seasonID string) ([]model.Contestant, error) {
	return listContestants(ctx, s.pool, seasonID)
}

func (s *PostgresStore) ListTasks(ctx context.Context, episodeID string) ([]model.TaskWithResults, error) {
	return listTasks(ctx, s.pool, episodeID)
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetSeason(ctx context.Context, id string) (*model.Season, error) {
	return getSeason(ctx, t.tx, id)
}

func (t *pgTx) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	return getEpisode(ctx, t.tx, id, false)
}

func (t *pgTx) ListContestants(ctx context.Context, seasonID string) ([]model.Contestant, error) {
	return listContestants(ctx, t.tx, seasonID)
}

func (t *pgTx) ListTasks(ctx context.Context, episodeID string) ([]model.TaskWithResults, error) {
	return listTasks(ctx, t.tx, episodeID)
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, t.tx, id, true)
}

func (t *pgTx) LockEpisode(ctx context.Context, id string) (*model.Episode, error) {
	return getEpisode(ctx, t.tx, id, true)
}

func (t *pgTx) LockBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(t.tx.QueryRow(ctx, betColumns+` FROM bets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "bet", id)
	}
	return b, nil
}

func (t *pgTx) LockActivePick(ctx context.Context, userID, seasonID string) (*model.Pick, error) {
	var p model.Pick
	err := t.tx.QueryRow(ctx,
		pickColumns+` FROM picks WHERE user_id = $1 AND season_id = $2 AND active FOR UPDATE`,
		userID, seasonID).
		Scan(&p.ID, &p.UserID, &p.SeasonID, &p.ContestantID, &p.Active, &p.CurrencySpent, &p.PickedAt)
	if err != nil {
		return nil, notFound(err, "active pick", userID+"/"+seasonID)
	}
	return &p, nil
}

func (t *pgTx) ActivePicks(ctx context.Context, seasonID string) ([]model.Pick, error) {
	rows, err := t.tx.Query(ctx,
		pickColumns+` FROM picks WHERE season_id = $1 AND active ORDER BY user_id`, seasonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPicks(rows)
}

func (t *pgTx) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2
		 WHERE id = $1 AND balance + $2 >= 0
		 RETURNING balance`, accountID, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the account is gone or the balance would go negative.
		if _, lookupErr := getAccount(ctx, t.tx, accountID, false); lookupErr != nil {
			return 0, lookupErr
		}
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, amount, kind, description,
		                             episode_id, contestant_id, bet_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		e.ID, e.AccountID, e.Amount, string(e.Kind), e.Description,
		e.EpisodeID, e.ContestantID, e.BetID, e.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bets (id, user_id, episode_id, task_id, bet_type, bet_target, amount,
		                   odds, potential_payout, status, actual_payout, placed_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8::NUMERIC, $9, $10, $11, $12)`,
		b.ID, b.UserID, b.EpisodeID, b.TaskID, string(b.BetType), b.BetTarget, b.Amount,
		b.Odds.String(), b.PotentialPayout, string(b.Status), b.ActualPayout, b.PlacedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) ResolveBet(ctx context.Context, id string, status model.BetStatus, payout int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE bets SET status = $2, actual_payout = $3, resolved_at = $4
		 WHERE id = $1 AND status = 'pending'`, id, string(status), payout, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBetNotPending
	}
	return nil
}

func (t *pgTx) InsertPick(ctx context.Context, p *model.Pick) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO picks (id, user_id, season_id, contestant_id, active, currency_spent, picked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.UserID, p.SeasonID, p.ContestantID, p.Active, p.CurrencySpent, p.PickedAt)
	err = mapPgError(err)
	if errors.Is(err, ErrDuplicate) {
		return ErrActivePickExists
	}
	return err
}

func (t *pgTx) DeactivatePick(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE picks SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pick %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) MarkRewardsProcessed(ctx context.Context, episodeID string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE episodes SET rewards_processed = TRUE WHERE id = $1`, episodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("episode %s: %w", episodeID, ErrNotFound)
	}
	return nil
}

// --- Shared queries ---

const betColumns = `SELECT id, user_id, episode_id, COALESCE(task_id, ''), bet_type, bet_target,
		        amount, odds::TEXT, potential_payout, status, actual_payout, placed_at, resolved_at`

const pickColumns = `SELECT id, user_id, season_id, contestant_id, active, currency_spent, picked_at`

func getAccount(ctx context.Context, q querier, id string, lock bool) (*model.Account, error) {
	sql := `SELECT id, username, balance, created_at FROM accounts WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var a model.Account
	if err := q.QueryRow(ctx, sql, id).Scan(&a.ID, &a.Username, &a.Balance, &a.CreatedAt); err != nil {
		return nil, notFound(err, "account", id)
	}
	return &a, nil
}

func getSeason(ctx context.Context, q querier, id string) (*model.Season, error) {
	var season model.Season
	err := q.QueryRow(ctx, `SELECT id, season_number, status FROM seasons WHERE id = $1`, id).
		Scan(&season.ID, &season.SeasonNumber, &season.Status)
	if err != nil {
		return nil, notFound(err, "season", id)
	}
	return &season, nil
}

func getEpisode(ctx context.Context, q querier, id string, lock bool) (*model.Episode, error) {
	sql := `SELECT id, season_id, episode_number, title, status, rewards_processed
	        FROM episodes WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var e model.Episode
	err := q.QueryRow(ctx, sql, id).
		Scan(&e.ID, &e.SeasonID, &e.EpisodeNumber, &e.Title, &e.Status, &e.RewardsProcessed)
	if err != nil {
		return nil, notFound(err, "episode", id)
	}
	return &e, nil
}

func listContestants(ctx context.Context, q querier, seasonID string) ([]model.Contestant, error) {
	rows, err := q.Query(ctx,
		`SELECT id, season_id, name, color_index, tracked_stats::TEXT
		 FROM contestants WHERE season_id = $1
		 ORDER BY color_index, id`, seasonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contestant
	for rows.Next() {
		var c model.Contestant
		var stats string
		if err := rows.Scan(&c.ID, &c.SeasonID, &c.Name, &c.ColorIndex, &stats); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stats), &c.Stats); err != nil {
			return nil, fmt.Errorf("contestant %s stats: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func listTasks(ctx context.Context, q querier, episodeID string) ([]model.TaskWithResults, error) {
	rows, err := q.Query(ctx,
		`SELECT t.id, t.episode_id, t.task_number, t.task_type,
		        r.id, r.contestant_id, r.score, r.disqualified
		 FROM tasks t
		 LEFT JOIN task_results r ON r.task_id = t.id
		 WHERE t.episode_id = $1
		 ORDER BY t.task_number, t.id, r.seq`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaskWithResults
	for rows.Next() {
		var t model.Task
		var resultID, contestantID *string
		var score *int
		var dq *bool
		if err := rows.Scan(&t.ID, &t.EpisodeID, &t.TaskNumber, &t.TaskType,
			&resultID, &contestantID, &score, &dq); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].Task.ID != t.ID {
			out = append(out, model.TaskWithResults{Task: t, Results: []model.TaskResult{}})
		}
		if resultID == nil {
			continue
		}
		cur := &out[len(out)-1]
		cur.Results = append(cur.Results, model.TaskResult{
			ID:           *resultID,
			TaskID:       t.ID,
			ContestantID: *contestantID,
			Score:        *score,
			Disqualified: *dq,
		})
	}
	return out, rows.Err()
}

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var oddsS string
	if err := row.Scan(&b.ID, &b.UserID, &b.EpisodeID, &b.TaskID, &b.BetType, &b.BetTarget,
		&b.Amount, &oddsS, &b.PotentialPayout, &b.Status, &b.ActualPayout,
		&b.PlacedAt, &b.ResolvedAt); err != nil {
		return nil, err
	}
	b.Odds, _ = decimal.NewFromString(oddsS)
	return &b, nil
}

func scanPicks(rows pgx.Rows) ([]model.Pick, error) {
	var picks []model.Pick
	for rows.Next() {
		var p model.Pick
		if err := rows.Scan(&p.ID, &p.UserID, &p.SeasonID, &p.ContestantID,
			&p.Active, &p.CurrencySpent, &p.PickedAt); err != nil {
			return nil, err
		}
		picks = append(picks, p)
	}
	return picks, rows.Err()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// mapPgError converts constraint violations into store sentinels.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, pgErr.ConstraintName)
		}
	}
	return err
}
