// Package eventsourcing provides the replay/raise mechanics every
// event-sourced aggregate builds on. State is always derivable by replaying
// the aggregate's history in version order; the apply function must be pure.
package eventsourcing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/taskledger/internal/eventstore/domain"
)

// ApplyFunc folds one event into the state. It must not touch the clock,
// randomness, or anything outside its arguments: identical history has to
// fold to identical state.
type ApplyFunc[S any] func(state S, event domain.StoredEvent) S

// Aggregate is an in-memory event-sourced aggregate, owned by a single
// command execution. Not safe for concurrent use; optimistic concurrency at
// append time is the only cross-request synchronization.
type Aggregate[S any] struct {
	aggregateID   string
	aggregateType string
	orgID         string

	state   S
	version int64
	apply   ApplyFunc[S]

	uncommitted []domain.StoredEvent
	now         func() time.Time
}

// New constructs an aggregate at its initial state and version.
func New[S any](aggregateID, aggregateType, orgID string, initialState S, initialVersion int64, apply ApplyFunc[S]) *Aggregate[S] {
	return &Aggregate[S]{
		aggregateID:   aggregateID,
		aggregateType: aggregateType,
		orgID:         orgID,
		state:         initialState,
		version:       initialVersion,
		apply:         apply,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the event timestamp source. Timestamps are metadata only;
// they never feed the fold.
func (a *Aggregate[S]) WithNow(now func() time.Time) *Aggregate[S] {
	a.now = now
	return a
}

// LoadFromHistory replays events in the order given, leaving version at the
// last event's version. Callers must pass replay order (version ascending).
func (a *Aggregate[S]) LoadFromHistory(events []domain.StoredEvent) {
	for _, event := range events {
		a.state = a.apply(a.state, event)
		a.version = event.Version
	}
}

// Raise increments the version, folds the new event into state, and records
// it as uncommitted for the caller to persist.
func (a *Aggregate[S]) Raise(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	a.version++
	event := domain.StoredEvent{
		EventID:       uuid.NewString(),
		AggregateID:   a.aggregateID,
		AggregateType: a.aggregateType,
		OrgID:         a.orgID,
		EventType:     eventType,
		Version:       a.version,
		Payload:       raw,
		OccurredAt:    a.now(),
	}
	a.state = a.apply(a.state, event)
	a.uncommitted = append(a.uncommitted, event)
	return nil
}

// ExpectVersion guards a command against a stale read.
func (a *Aggregate[S]) ExpectVersion(expected int64) error {
	if a.version != expected {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

// UncommittedEvents returns events raised since load, in raise order.
func (a *Aggregate[S]) UncommittedEvents() []domain.StoredEvent {
	return a.uncommitted
}

func (a *Aggregate[S]) AggregateID() string   { return a.aggregateID }
func (a *Aggregate[S]) AggregateType() string { return a.aggregateType }
func (a *Aggregate[S]) OrgID() string         { return a.orgID }
func (a *Aggregate[S]) Version() int64        { return a.version }
func (a *Aggregate[S]) State() S              { return a.state }
