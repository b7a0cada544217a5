package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/taskledger/internal/billing/domain"
	"github.com/smallbiznis/taskledger/internal/clock"
	"github.com/smallbiznis/taskledger/internal/encryption"
	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
	eventstoreservice "github.com/smallbiznis/taskledger/internal/eventstore/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupBillingService(t *testing.T) (domain.Service, eventstoredomain.Service, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(&eventstoredomain.Event{}, &eventstoredomain.OutboxEntry{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	enc, err := encryption.NewService([]byte("test-master-key"))
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	eventStore := eventstoreservice.NewService(eventstoreservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Encryption: enc,
		Clock:      fake,
	})
	billing := NewService(Params{
		Log:        zap.NewNop(),
		EventStore: eventStore,
	})
	return billing, eventStore, fake
}

func TestAllocateAndReserve(t *testing.T) {
	billing, _, fake := setupBillingService(t)
	ctx := context.Background()

	require.NoError(t, billing.AllocateCredits(ctx, "org-1", 100))
	fake.Advance(time.Second)
	require.NoError(t, billing.ReserveCredits(ctx, "org-1", 30, "task-1"))

	balance, err := billing.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Balance{Available: 70, Reserved: 30, Consumed: 0}, balance)
}

func TestReserveInsufficientCredits(t *testing.T) {
	billing, eventStore, _ := setupBillingService(t)
	ctx := context.Background()

	require.NoError(t, billing.AllocateCredits(ctx, "org-1", 10))

	err := billing.ReserveCredits(ctx, "org-1", 30, "task-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	// Rejection appends nothing.
	events, err := eventStore.LoadByAggregate(ctx, "org-1", "org-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(domain.EntryTypeAllocated), events[0].EventType)
}

func TestReserveFromCorruptedLedger(t *testing.T) {
	billing, eventStore, _ := setupBillingService(t)
	ctx := context.Background()

	// A reservation with no allocation folds available negative. Written
	// directly at the store level; the service never produces this.
	_, err := eventStore.Append(ctx, eventstoredomain.AppendInput{
		AggregateID:   "org-1",
		AggregateType: domain.AggregateTypeOrganizationBilling,
		OrgID:         "org-1",
		EventType:     string(domain.EntryTypeReserved),
		Version:       1,
		Payload:       domain.CreditEventPayload{OrgID: "org-1", Amount: 10, TaskID: "task-1"},
	})
	require.NoError(t, err)

	err = billing.ReserveCredits(ctx, "org-1", 1, "task-2")
	assert.ErrorIs(t, err, domain.ErrLedgerCorrupted)
}

func TestConsumeAndRefundLifecycle(t *testing.T) {
	billing, _, fake := setupBillingService(t)
	ctx := context.Background()

	require.NoError(t, billing.AllocateCredits(ctx, "org-1", 100))
	fake.Advance(time.Second)
	require.NoError(t, billing.ReserveCredits(ctx, "org-1", 40, "task-1"))
	fake.Advance(time.Second)
	require.NoError(t, billing.ConsumeCredits(ctx, "org-1", 10, "task-1"))
	fake.Advance(time.Second)
	require.NoError(t, billing.RefundCredits(ctx, "org-1", 30, "task-1"))

	balance, err := billing.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Balance{Available: 90, Reserved: 0, Consumed: 10}, balance)
}

func TestGetEntriesAuditOrder(t *testing.T) {
	billing, _, fake := setupBillingService(t)
	ctx := context.Background()

	require.NoError(t, billing.AllocateCredits(ctx, "org-1", 100))
	fake.Advance(time.Second)
	require.NoError(t, billing.ReserveCredits(ctx, "org-1", 25, "task-1"))

	entries, err := billing.GetEntries(ctx, "org-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryTypeAllocated, entries[0].Type)
	assert.Equal(t, int64(100), entries[0].Amount)
	assert.Equal(t, domain.EntryTypeReserved, entries[1].Type)
	assert.Equal(t, "task-1", entries[1].TaskID)
}

func TestValidation(t *testing.T) {
	billing, _, _ := setupBillingService(t)
	ctx := context.Background()

	assert.ErrorIs(t, billing.AllocateCredits(ctx, "", 10), domain.ErrInvalidOrganization)
	assert.ErrorIs(t, billing.AllocateCredits(ctx, "org-1", 0), domain.ErrInvalidAmount)
	assert.ErrorIs(t, billing.ReserveCredits(ctx, "org-1", -5, "task-1"), domain.ErrInvalidAmount)

	_, err := billing.GetEntries(ctx, "", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestBillingEventsCarryOutboxRows(t *testing.T) {
	billing, eventStore, _ := setupBillingService(t)
	ctx := context.Background()

	require.NoError(t, billing.AllocateCredits(ctx, "org-1", 100))

	pending, err := eventStore.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.TopicBillingEvents, pending[0].Topic)
	assert.Equal(t, "org-1", pending[0].MessageKey)
}
