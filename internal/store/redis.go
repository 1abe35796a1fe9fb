package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thecompound/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for read-mostly content: seasons, episodes, contestants and task
// results. Balances, bets, picks and the ledger are never cached.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSeason(ctx context.Context, id string) (*model.Season, error) {
	var season model.Season
	if s.get(ctx, seasonKey(id), &season) {
		return &season, nil
	}
	got, err := s.Store.GetSeason(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, seasonKey(id), got)
	return got, nil
}

func (s *CachedStore) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	var e model.Episode
	if s.get(ctx, episodeKey(id), &e) {
		return &e, nil
	}
	got, err := s.Store.GetEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, episodeKey(id), got)
	return got, nil
}

func (s *CachedStore) ListContestants(ctx context.Context, seasonID string) ([]model.Contestant, error) {
	var cs []model.Contestant
	if s.get(ctx, contestantsKey(seasonID), &cs) {
		return cs, nil
	}
	got, err := s.Store.ListContestants(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, contestantsKey(seasonID), got)
	return got, nil
}

func (s *CachedStore) ListTasks(ctx context.Context, episodeID string) ([]model.TaskWithResults, error) {
	var tasks []model.TaskWithResults
	if s.get(ctx, tasksKey(episodeID), &tasks) {
		return tasks, nil
	}
	got, err := s.Store.ListTasks(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, tasksKey(episodeID), got)
	return got, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateSeason(ctx context.Context, season *model.Season) error {
	if err := s.Store.CreateSeason(ctx, season); err != nil {
		return err
	}
	s.rdb.Del(ctx, seasonKey(season.ID))
	return nil
}

func (s *CachedStore) CreateContestant(ctx context.Context, c *model.Contestant) error {
	if err := s.Store.CreateContestant(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, contestantsKey(c.SeasonID))
	return nil
}

func (s *CachedStore) CreateEpisode(ctx context.Context, e *model.Episode) error {
	if err := s.Store.CreateEpisode(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, episodeKey(e.ID))
	return nil
}

func (s *CachedStore) CreateTask(ctx context.Context, t *model.Task) error {
	if err := s.Store.CreateTask(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tasksKey(t.EpisodeID))
	s.rdb.Set(ctx, taskEpisodeKey(t.ID), t.EpisodeID, 0)
	return nil
}

// CreateTaskResult invalidates by task, since results do not carry the
// episode ID. The task → episode mapping is cached on first write.
func (s *CachedStore) CreateTaskResult(ctx context.Context, r *model.TaskResult) error {
	if err := s.Store.CreateTaskResult(ctx, r); err != nil {
		return err
	}
	if episodeID, err := s.rdb.Get(ctx, taskEpisodeKey(r.TaskID)).Result(); err == nil {
		s.rdb.Del(ctx, tasksKey(episodeID))
		return nil
	}
	// Unknown mapping: drop every cached task list.
	s.deletePattern(ctx, "tasks:*")
	return nil
}

func (s *CachedStore) SetEpisodeStatus(ctx context.Context, id, status string) error {
	if err := s.Store.SetEpisodeStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, episodeKey(id))
	return nil
}

// WithTx runs fn against the primary and invalidates any episode whose
// settlement flag changed once the transaction commits.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	for _, id := range touched {
		s.rdb.Del(ctx, episodeKey(id))
	}
	return nil
}

// cachedTx records episodes written inside a transaction.
type cachedTx struct {
	Tx
	touched *[]string
}

func (t *cachedTx) MarkRewardsProcessed(ctx context.Context, episodeID string) error {
	if err := t.Tx.MarkRewardsProcessed(ctx, episodeID); err != nil {
		return err
	}
	*t.touched = append(*t.touched, episodeID)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	if tasks, ok := v.([]model.TaskWithResults); ok {
		for _, t := range tasks {
			s.rdb.Set(ctx, taskEpisodeKey(t.Task.ID), t.Task.EpisodeID, s.ttl)
		}
	}
}

func (s *CachedStore) deletePattern(ctx context.Context, pattern string) {
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
}

func seasonKey(id string) string      { return fmt.Sprintf("season:%s", id) }
func episodeKey(id string) string     { return fmt.Sprintf("episode:%s", id) }
func contestantsKey(id string) string { return fmt.Sprintf("contestants:%s", id) }
func tasksKey(id string) string       { return fmt.Sprintf("tasks:%s", id) }
func taskEpisodeKey(id string) string { return fmt.Sprintf("task-episode:%s", id) }
