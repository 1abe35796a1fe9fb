// Package target parses and validates bet target tokens.
//
// Ranked and disqualification bets target a contestant ID directly.
// exact_score bets target "{contestantID}:{points}", e.g. "c-sarah:5".
package target

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/thecompound/ledger-engine/internal/model"
)

// exactScoreRegex matches: {contestantID}:{points}
var exactScoreRegex = regexp.MustCompile(`^([A-Za-z0-9_-]+):(\d{1,4})$`)

var (
	ErrInvalidTarget   = errors.New("target: invalid bet target")
	ErrUnsupportedType = errors.New("target: bet type cannot be resolved")
)

// Target is a parsed bet target.
type Target struct {
	Raw          string `json:"raw"`
	ContestantID string `json:"contestant_id"`
	// Points is set only for exact_score targets.
	Points int `json:"points,omitempty"`
}

// Parse interprets raw according to the bet type.
func Parse(betType model.BetType, raw string) (*Target, error) {
	switch betType {
	case model.BetTaskWinner, model.BetEpisodeWinner, model.BetDisqualification:
		if raw == "" {
			return nil, fmt.Errorf("%w: empty contestant id", ErrInvalidTarget)
		}
		return &Target{Raw: raw, ContestantID: raw}, nil

	case model.BetExactScore:
		matches := exactScoreRegex.FindStringSubmatch(raw)
		if matches == nil {
			return nil, fmt.Errorf("%w: %s (expected {contestant}:{points})", ErrInvalidTarget, raw)
		}
		points, err := strconv.Atoi(matches[2])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid points %s", ErrInvalidTarget, matches[2])
		}
		return &Target{Raw: raw, ContestantID: matches[1], Points: points}, nil

	case model.BetSpecialOutcome:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, betType)
	}
	return nil, fmt.Errorf("%w: unknown bet type %s", ErrInvalidTarget, betType)
}

// InSeason reports whether the target's contestant is one of contestants.
func (t *Target) InSeason(contestants []model.Contestant) bool {
	for _, c := range contestants {
		if c.ID == t.ContestantID {
			return true
		}
	}
	return false
}
