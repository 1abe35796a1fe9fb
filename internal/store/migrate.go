package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL DEFAULT '',
		balance    BIGINT NOT NULL CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_username ON accounts(username) WHERE username <> ''`,

	`CREATE TABLE IF NOT EXISTS seasons (
		id            TEXT PRIMARY KEY,
		season_number INTEGER NOT NULL,
		status        TEXT NOT NULL DEFAULT 'upcoming'
	)`,

	`CREATE TABLE IF NOT EXISTS contestants (
		id            TEXT PRIMARY KEY,
		season_id     TEXT NOT NULL REFERENCES seasons(id),
		name          TEXT NOT NULL,
		color_index   INTEGER NOT NULL DEFAULT 0,
		tracked_stats JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contestants_season ON contestants(season_id)`,

	`CREATE TABLE IF NOT EXISTS episodes (
		id                TEXT PRIMARY KEY,
		season_id         TEXT NOT NULL REFERENCES seasons(id),
		episode_number    INTEGER NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL DEFAULT 'upcoming',
		rewards_processed BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		episode_id  TEXT NOT NULL REFERENCES episodes(id),
		task_number INTEGER NOT NULL,
		task_type   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_episode ON tasks(episode_id)`,

	`CREATE TABLE IF NOT EXISTS task_results (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL REFERENCES tasks(id),
		contestant_id TEXT NOT NULL REFERENCES contestants(id),
		score         INTEGER NOT NULL,
		disqualified  BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id)`,

	`CREATE TABLE IF NOT EXISTS bets (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL REFERENCES accounts(id),
		episode_id       TEXT NOT NULL REFERENCES episodes(id),
		task_id          TEXT REFERENCES tasks(id),
		bet_type         TEXT NOT NULL,
		bet_target       TEXT NOT NULL,
		amount           BIGINT NOT NULL CHECK (amount > 0),
		odds             NUMERIC(10, 4) NOT NULL,
		potential_payout BIGINT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending'
		                 CHECK (status IN ('pending', 'won', 'lost')),
		actual_payout    BIGINT NOT NULL DEFAULT 0,
		placed_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bets_episode_status ON bets(episode_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_bets_user ON bets(user_id, placed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS picks (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL REFERENCES accounts(id),
		season_id      TEXT NOT NULL REFERENCES seasons(id),
		contestant_id  TEXT NOT NULL REFERENCES contestants(id),
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		currency_spent BIGINT NOT NULL DEFAULT 0,
		picked_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_picks_one_active ON picks(user_id, season_id) WHERE active`,
	`CREATE INDEX IF NOT EXISTS idx_picks_season_active ON picks(season_id) WHERE active`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL REFERENCES accounts(id),
		amount        BIGINT NOT NULL,
		kind          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		episode_id    TEXT,
		contestant_id TEXT,
		bet_id        TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, created_at DESC)`,
}

// Migrate applies the schema. Safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
