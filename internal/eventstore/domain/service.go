package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// AppendInput describes one event append. Version comes from the aggregate;
// the store never invents it.
type AppendInput struct {
	AggregateID   string
	AggregateType string
	OrgID         string
	EventType     string
	Version       int64
	Payload       any
}

// OutboxMessage describes the outbox row written atomically with an append.
type OutboxMessage struct {
	Topic         string
	CorrelationID string
}

// QueryOptions filters per-tenant event scans.
type QueryOptions struct {
	AggregateType string
	Limit         int
}

type Service interface {
	// Append encrypts the payload under OrgID and inserts it at the exact
	// Version supplied. A concurrent append at the same (aggregate, version)
	// loses with ErrConcurrencyConflict; nothing is ever overwritten.
	Append(ctx context.Context, input AppendInput) (StoredEvent, error)

	// AppendWithOutbox performs Append plus the outbox insert in one
	// transaction, so a persisted-but-unpublishable event cannot arise here.
	AppendWithOutbox(ctx context.Context, input AppendInput, msg OutboxMessage) (StoredEvent, error)

	// LoadByAggregate returns the aggregate's events in version order
	// (replay order), decrypted.
	LoadByAggregate(ctx context.Context, aggregateID, orgID string) ([]StoredEvent, error)

	// GetByOrg returns a tenant's events in created_at order (audit order),
	// decrypted.
	GetByOrg(ctx context.Context, orgID string, opts QueryOptions) ([]StoredEvent, error)

	// GetUnpublished returns pending outbox entries, oldest first.
	GetUnpublished(ctx context.Context, limit int) ([]OutboxEntry, error)

	// MarkPublished stamps published_at. Idempotent; an already-stamped row
	// is left untouched.
	MarkPublished(ctx context.Context, id snowflake.ID) error
}

var (
	// ErrConcurrencyConflict is the storage-level duplicate (aggregate,
	// version) surfaced to the losing writer. Callers reload and retry the
	// whole flow from a fresh read.
	ErrConcurrencyConflict = errors.New("concurrency_conflict")

	ErrOrgContextMissing = errors.New("org_context_required")
	ErrInvalidAggregate  = errors.New("invalid_aggregate")
	ErrInvalidEventType  = errors.New("invalid_event_type")
	ErrInvalidVersion    = errors.New("invalid_version")
)
