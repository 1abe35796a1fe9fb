package settlement

import (
	"github.com/thecompound/ledger-engine/internal/model"
	"github.com/thecompound/ledger-engine/internal/target"
)

// scorer turns recorded task results into points.
type scorer struct {
	zeroDQ bool
}

func (s scorer) points(r model.TaskResult) int {
	if s.zeroDQ && r.Disqualified {
		return 0
	}
	return r.Score
}

// contestantPoints is an ordered per-contestant total. Order is first
// appearance in task order, then result order.
type contestantPoints struct {
	order  []string
	points map[string]int
}

func (s scorer) totals(tasks []model.TaskWithResults) contestantPoints {
	cp := contestantPoints{points: make(map[string]int)}
	for _, t := range tasks {
		for _, r := range t.Results {
			if _, seen := cp.points[r.ContestantID]; !seen {
				cp.order = append(cp.order, r.ContestantID)
			}
			cp.points[r.ContestantID] += s.points(r)
		}
	}
	return cp
}

// leaders returns every contestant sharing the top total. Ties are dead
// heats: each tied contestant counts as a winner.
func (cp contestantPoints) leaders() map[string]bool {
	if len(cp.order) == 0 {
		return nil
	}
	best := cp.points[cp.order[0]]
	for _, id := range cp.order[1:] {
		if cp.points[id] > best {
			best = cp.points[id]
		}
	}
	out := make(map[string]bool)
	for _, id := range cp.order {
		if cp.points[id] == best {
			out[id] = true
		}
	}
	return out
}

// decision is the outcome of judging one bet against results.
type decision int

const (
	undecided decision = iota
	won
	lost
)

// judge decides a pending bet against the episode's results. A bet is
// undecided when results for its scope are not in yet or its type has no
// resolution criteria.
func (s scorer) judge(bet model.Bet, tasks []model.TaskWithResults) (decision, string) {
	scope := tasks
	if bet.TaskID != "" && bet.BetType != model.BetEpisodeWinner {
		scope = nil
		for _, t := range tasks {
			if t.Task.ID == bet.TaskID {
				scope = []model.TaskWithResults{t}
				break
			}
		}
	}
	if !hasResults(scope) {
		return undecided, "no results recorded"
	}

	var hit bool
	switch bet.BetType {
	case model.BetTaskWinner:
		if bet.TaskID == "" {
			return undecided, "task_winner bet has no task"
		}
		hit = s.totals(scope).leaders()[bet.BetTarget]

	case model.BetEpisodeWinner:
		hit = s.totals(scope).leaders()[bet.BetTarget]

	case model.BetExactScore:
		tgt, err := target.Parse(bet.BetType, bet.BetTarget)
		if err != nil {
			return undecided, "unparseable target"
		}
		hit = s.totals(scope).points[tgt.ContestantID] == tgt.Points

	case model.BetDisqualification:
		hit = disqualified(scope, bet.BetTarget)

	default:
		return undecided, "no resolution rule for bet type"
	}

	if hit {
		return won, ""
	}
	return lost, ""
}

func hasResults(tasks []model.TaskWithResults) bool {
	for _, t := range tasks {
		if len(t.Results) > 0 {
			return true
		}
	}
	return false
}

func disqualified(tasks []model.TaskWithResults, contestantID string) bool {
	for _, t := range tasks {
		for _, r := range t.Results {
			if r.ContestantID == contestantID && r.Disqualified {
				return true
			}
		}
	}
	return false
}
