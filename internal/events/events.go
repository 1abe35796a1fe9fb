// Package events fans ledger domain events out to live subscribers. Events
// are published only after the transaction that produced them commits.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Type names a domain event. It doubles as the AMQP routing key.
type Type string

const (
	AccountOpened    Type = "account_opened"
	BetPlaced        Type = "bet_placed"
	BetResolved      Type = "bet_resolved"
	RewardsProcessed Type = "rewards_processed"
	PickCreated      Type = "pick_created"
	PickSwitched     Type = "pick_switched"
)

// Event is the JSON payload sent to every sink.
type Event struct {
	Type         Type      `json:"type"`
	UserID       string    `json:"user_id,omitempty"`
	SeasonID     string    `json:"season_id,omitempty"`
	EpisodeID    string    `json:"episode_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	BetID        string    `json:"bet_id,omitempty"`
	ContestantID string    `json:"contestant_id,omitempty"`
	Amount       int64     `json:"amount,omitempty"`
	Balance      *int64    `json:"balance,omitempty"`
	Won          *bool     `json:"won,omitempty"`
	Data         any       `json:"data,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher delivers events. Implementations must not block the caller on
// slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit stamps e and publishes it, logging instead of returning failures.
// The state change that produced e has already committed.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", e.Type, "err", err)
	}
}
