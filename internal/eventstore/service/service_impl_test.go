package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/taskledger/internal/clock"
	"github.com/smallbiznis/taskledger/internal/encryption"
	"github.com/smallbiznis/taskledger/internal/eventstore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testPayload struct {
	Value string `json:"value"`
}

func setupEventStore(t *testing.T) (domain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Event{}, &domain.OutboxEntry{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	enc, err := encryption.NewService([]byte("test-master-key"))
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Encryption: enc,
		Clock:      fake,
	})
	return svc, db, fake
}

func appendInput(aggregateID, orgID string, version int64, value string) domain.AppendInput {
	return domain.AppendInput{
		AggregateID:   aggregateID,
		AggregateType: "TASK",
		OrgID:         orgID,
		EventType:     "TASK_CREATED",
		Version:       version,
		Payload:       testPayload{Value: value},
	}
}

func TestAppendAndLoadByAggregate(t *testing.T) {
	svc, db, fake := setupEventStore(t)
	ctx := context.Background()

	for i, value := range []string{"first", "second", "third"} {
		_, err := svc.Append(ctx, appendInput("agg-1", "org-1", int64(i+1), value))
		require.NoError(t, err)
		fake.Advance(time.Second)
	}

	events, err := svc.LoadByAggregate(ctx, "agg-1", "org-1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Version)
		var payload testPayload
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		assert.NotEmpty(t, payload.Value)
	}

	// Ciphertext at rest, never the raw payload.
	var row domain.Event
	require.NoError(t, db.First(&row, "aggregate_id = ?", "agg-1").Error)
	assert.NotContains(t, row.Payload, "first")
}

func TestAppendDuplicateVersionConflicts(t *testing.T) {
	svc, _, _ := setupEventStore(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, appendInput("agg-1", "org-1", 1, "winner"))
	require.NoError(t, err)

	_, err = svc.Append(ctx, appendInput("agg-1", "org-1", 1, "loser"))
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	events, err := svc.LoadByAggregate(ctx, "agg-1", "org-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestAppendValidation(t *testing.T) {
	svc, _, _ := setupEventStore(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, appendInput("agg-1", "", 1, "x"))
	assert.ErrorIs(t, err, domain.ErrOrgContextMissing)

	_, err = svc.Append(ctx, appendInput("", "org-1", 1, "x"))
	assert.ErrorIs(t, err, domain.ErrInvalidAggregate)

	_, err = svc.Append(ctx, appendInput("agg-1", "org-1", 0, "x"))
	assert.ErrorIs(t, err, domain.ErrInvalidVersion)

	input := appendInput("agg-1", "org-1", 1, "x")
	input.EventType = " "
	_, err = svc.Append(ctx, input)
	assert.ErrorIs(t, err, domain.ErrInvalidEventType)
}

func TestAppendWithOutboxWritesBoth(t *testing.T) {
	svc, db, _ := setupEventStore(t)
	ctx := context.Background()

	stored, err := svc.AppendWithOutbox(ctx, appendInput("agg-1", "org-1", 1, "payload"), domain.OutboxMessage{
		Topic:         "task.events",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	var entry domain.OutboxEntry
	require.NoError(t, db.First(&entry).Error)
	assert.Equal(t, "task.events", entry.Topic)
	assert.Equal(t, "org-1", entry.MessageKey)
	assert.Equal(t, stored.EventID, entry.EventID)
	require.NotNil(t, entry.CorrelationID)
	assert.Equal(t, "corr-1", *entry.CorrelationID)
	assert.Nil(t, entry.PublishedAt)

	// The broker value is the encrypted envelope, same structure as at rest.
	var envelope domain.EventEnvelope
	require.NoError(t, json.Unmarshal([]byte(entry.MessageValue), &envelope))
	assert.Equal(t, stored.EventID, envelope.EventID)
	assert.Equal(t, "org-1", envelope.OrgID)
	assert.NotEmpty(t, envelope.Payload.EncryptedData)
}

func TestAppendWithOutboxConflictWritesNothing(t *testing.T) {
	svc, db, _ := setupEventStore(t)
	ctx := context.Background()

	_, err := svc.AppendWithOutbox(ctx, appendInput("agg-1", "org-1", 1, "first"), domain.OutboxMessage{Topic: "task.events"})
	require.NoError(t, err)

	_, err = svc.AppendWithOutbox(ctx, appendInput("agg-1", "org-1", 1, "dup"), domain.OutboxMessage{Topic: "task.events"})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	var count int64
	require.NoError(t, db.Model(&domain.OutboxEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGetByOrgFiltersAndOrders(t *testing.T) {
	svc, _, fake := setupEventStore(t)
	ctx := context.Background()

	billing := appendInput("org-1", "org-1", 1, "allocated")
	billing.AggregateType = "ORGANIZATION_BILLING"
	billing.EventType = "CREDITS_ALLOCATED"
	_, err := svc.Append(ctx, billing)
	require.NoError(t, err)
	fake.Advance(time.Second)

	_, err = svc.Append(ctx, appendInput("task-1", "org-1", 1, "created"))
	require.NoError(t, err)
	fake.Advance(time.Second)

	other := appendInput("task-2", "org-2", 1, "foreign")
	_, err = svc.Append(ctx, other)
	require.NoError(t, err)

	all, err := svc.GetByOrg(ctx, "org-1", domain.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, !all[1].OccurredAt.Before(all[0].OccurredAt))

	tasks, err := svc.GetByOrg(ctx, "org-1", domain.QueryOptions{AggregateType: "TASK"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].AggregateID)

	limited, err := svc.GetByOrg(ctx, "org-1", domain.QueryOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMarkPublishedRemovesFromUnpublished(t *testing.T) {
	svc, _, _ := setupEventStore(t)
	ctx := context.Background()

	_, err := svc.AppendWithOutbox(ctx, appendInput("agg-1", "org-1", 1, "a"), domain.OutboxMessage{Topic: "task.events"})
	require.NoError(t, err)
	_, err = svc.AppendWithOutbox(ctx, appendInput("agg-1", "org-1", 2, "b"), domain.OutboxMessage{Topic: "task.events"})
	require.NoError(t, err)

	pending, err := svc.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, svc.MarkPublished(ctx, pending[0].ID))

	remaining, err := svc.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, pending[1].ID, remaining[0].ID)

	// Idempotent: marking again keeps the original timestamp and the row never
	// reappears.
	require.NoError(t, svc.MarkPublished(ctx, pending[0].ID))
	remaining, err = svc.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
