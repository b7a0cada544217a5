package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taskledger/internal/encryption"
	"gorm.io/datatypes"
)

// Event is the immutable encrypted-at-rest row. Payload holds the encoded
// envelope; it is never stored in the clear. Rows are never updated or
// deleted.
type Event struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	AggregateID   string    `gorm:"type:text;not null;uniqueIndex:ux_events_aggregate_version,priority:1"`
	AggregateType string    `gorm:"type:text;not null;index:idx_events_org_type_created,priority:2"`
	OrgID         string    `gorm:"type:text;not null;index:idx_events_org_type_created,priority:1"`
	Version       int64     `gorm:"not null;uniqueIndex:ux_events_aggregate_version,priority:2"`
	EventType     string    `gorm:"type:text;not null"`
	Payload       string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_events_org_type_created,priority:3"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "events" }

// StoredEvent is the decrypted projection returned to callers.
type StoredEvent struct {
	EventID       string          `json:"eventId"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	OrgID         string          `json:"orgId"`
	EventType     string          `json:"eventType"`
	Version       int64           `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// EventEnvelope is the broker message value: the persisted event with its
// payload still encrypted. Consumers need the envelope's OrgID to decrypt;
// it is not derivable from the ciphertext.
type EventEnvelope struct {
	EventID       string                      `json:"eventId"`
	AggregateID   string                      `json:"aggregateId"`
	AggregateType string                      `json:"aggregateType"`
	OrgID         string                      `json:"orgId"`
	EventType     string                      `json:"eventType"`
	Version       int64                       `json:"version"`
	Payload       encryption.EncryptedPayload `json:"payload"`
	OccurredAt    time.Time                   `json:"occurredAt"`
}

// OutboxEntry records "needs publishing" alongside the event append it
// belongs to, in the same transaction. Mutated exactly once, when
// published_at is stamped; never deleted.
type OutboxEntry struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	Topic         string            `gorm:"type:text;not null"`
	MessageKey    string            `gorm:"type:text;not null"`
	MessageValue  string            `gorm:"type:text;not null"`
	OrgID         string            `gorm:"type:text;not null"`
	EventID       string            `gorm:"type:uuid;not null;index"`
	CorrelationID *string           `gorm:"type:text"`
	Headers       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;index:idx_outbox_unpublished,priority:2"`
	PublishedAt   *time.Time        `gorm:"index:idx_outbox_unpublished,priority:1"`
}

// TableName sets the database table name.
func (OutboxEntry) TableName() string { return "outbox_entries" }
