package domain

import (
	"encoding/json"
	"testing"

	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
	"github.com/stretchr/testify/assert"
)

func entries(pairs ...LedgerEntry) []LedgerEntry { return pairs }

func entry(entryType LedgerEntryType, amount int64) LedgerEntry {
	return LedgerEntry{OrgID: "org-1", Type: entryType, Amount: amount}
}

func TestCalculateBalance(t *testing.T) {
	cases := []struct {
		name    string
		entries []LedgerEntry
		want    Balance
	}{
		{
			name:    "empty ledger",
			entries: nil,
			want:    Balance{},
		},
		{
			name: "allocate then reserve",
			entries: entries(
				entry(EntryTypeAllocated, 100),
				entry(EntryTypeReserved, 30),
			),
			want: Balance{Available: 70, Reserved: 30, Consumed: 0},
		},
		{
			name: "partial consumption",
			entries: entries(
				entry(EntryTypeAllocated, 100),
				entry(EntryTypeReserved, 40),
				entry(EntryTypeConsumed, 10),
			),
			want: Balance{Available: 60, Reserved: 30, Consumed: 10},
		},
		{
			name: "full refund restores available",
			entries: entries(
				entry(EntryTypeAllocated, 100),
				entry(EntryTypeReserved, 20),
				entry(EntryTypeRefunded, 20),
			),
			want: Balance{Available: 100, Reserved: 0, Consumed: 0},
		},
		{
			name: "malformed sequence folds negative without clamping",
			entries: entries(
				entry(EntryTypeReserved, 10),
			),
			want: Balance{Available: -10, Reserved: 10, Consumed: 0},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CalculateBalance(tc.entries))
		})
	}
}

func creditEvent(version int64, entryType LedgerEntryType, amount int64) eventstoredomain.StoredEvent {
	raw, _ := json.Marshal(CreditEventPayload{OrgID: "org-1", Amount: amount})
	return eventstoredomain.StoredEvent{
		AggregateID:   "org-1",
		AggregateType: AggregateTypeOrganizationBilling,
		OrgID:         "org-1",
		EventType:     string(entryType),
		Version:       version,
		Payload:       raw,
	}
}

func TestApplyCreditEventMatchesCalculateBalance(t *testing.T) {
	agg := NewOrganizationBillingAggregate("org-1")
	agg.LoadFromHistory([]eventstoredomain.StoredEvent{
		creditEvent(1, EntryTypeAllocated, 100),
		creditEvent(2, EntryTypeReserved, 40),
		creditEvent(3, EntryTypeConsumed, 10),
		creditEvent(4, EntryTypeRefunded, 30),
	})

	state := agg.State()
	assert.Equal(t, Balance{Available: 90, Reserved: 0, Consumed: 10}, state.Balance)
	assert.Equal(t, int64(30), state.Refunded)
	assert.Equal(t, int64(4), agg.Version())
}

func TestApplyCreditEventIgnoresUnknownTypes(t *testing.T) {
	agg := NewOrganizationBillingAggregate("org-1")
	agg.LoadFromHistory([]eventstoredomain.StoredEvent{
		creditEvent(1, EntryTypeAllocated, 50),
		{
			AggregateID: "org-1",
			OrgID:       "org-1",
			EventType:   "SOMETHING_ELSE",
			Version:     2,
			Payload:     json.RawMessage(`{"amount":999}`),
		},
	})

	assert.Equal(t, Balance{Available: 50}, agg.State().Balance)
}

func TestCanReserve(t *testing.T) {
	state := BillingState{Balance: Balance{Available: 25}}

	assert.True(t, state.CanReserve(25))
	assert.True(t, state.CanReserve(1))
	assert.False(t, state.CanReserve(26))
}
