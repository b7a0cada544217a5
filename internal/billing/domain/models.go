package domain

import (
	"encoding/json"
	"time"

	"github.com/smallbiznis/taskledger/internal/eventsourcing"
	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
)

// The event store is the ledger log: one billing aggregate per org, keyed by
// the org ID, restricted to the four credit event types. There is no separate
// ledger table, so the balance always exactly reflects history.
const (
	AggregateTypeOrganizationBilling = "ORGANIZATION_BILLING"

	TopicBillingEvents = "billing.events"
)

// LedgerEntryType enumerates the credit event types.
type LedgerEntryType string

const (
	EntryTypeAllocated LedgerEntryType = "CREDITS_ALLOCATED"
	EntryTypeReserved  LedgerEntryType = "CREDITS_RESERVED"
	EntryTypeConsumed  LedgerEntryType = "CREDITS_CONSUMED"
	EntryTypeRefunded  LedgerEntryType = "CREDITS_REFUNDED"
)

// LedgerEntry is one immutable billing fact, decoded from the event store.
type LedgerEntry struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"orgId"`
	Type      LedgerEntryType `json:"type"`
	Amount    int64           `json:"amount"`
	TaskID    string          `json:"taskId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CreditEventPayload is the stored payload for every credit event type.
// Reservations, consumptions and refunds carry the task they belong to.
type CreditEventPayload struct {
	OrgID  string `json:"orgId"`
	Amount int64  `json:"amount"`
	TaskID string `json:"taskId,omitempty"`
}

// Balance is the folded view of a ledger sequence. Computed on demand, never
// stored.
type Balance struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Consumed  int64 `json:"consumed"`
}

// CalculateBalance left-folds the entries starting at zero. ALLOCATED adds
// to available; RESERVED moves amount from available to reserved; CONSUMED
// moves amount from reserved to consumed (terminal); REFUNDED moves amount
// from reserved back to available. No clamping: a malformed sequence can
// fold negative, and callers decide what to do about it.
func CalculateBalance(entries []LedgerEntry) Balance {
	var balance Balance
	for _, entry := range entries {
		switch entry.Type {
		case EntryTypeAllocated:
			balance.Available += entry.Amount
		case EntryTypeReserved:
			balance.Available -= entry.Amount
			balance.Reserved += entry.Amount
		case EntryTypeConsumed:
			balance.Reserved -= entry.Amount
			balance.Consumed += entry.Amount
		case EntryTypeRefunded:
			balance.Reserved -= entry.Amount
			balance.Available += entry.Amount
		}
	}
	return balance
}

// BillingState is the billing aggregate's folded state.
type BillingState struct {
	OrgID    string
	Balance  Balance
	Refunded int64
}

// CanReserve reports whether the org can cover a reservation of amount.
func (s BillingState) CanReserve(amount int64) bool {
	return s.Balance.Available >= amount
}

// ApplyCreditEvent folds one credit event into the state. Unknown event
// types are ignored so a billing aggregate never chokes on foreign rows.
func ApplyCreditEvent(state BillingState, event eventstoredomain.StoredEvent) BillingState {
	var payload CreditEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return state
	}

	switch LedgerEntryType(event.EventType) {
	case EntryTypeAllocated:
		state.Balance.Available += payload.Amount
	case EntryTypeReserved:
		state.Balance.Available -= payload.Amount
		state.Balance.Reserved += payload.Amount
	case EntryTypeConsumed:
		state.Balance.Reserved -= payload.Amount
		state.Balance.Consumed += payload.Amount
	case EntryTypeRefunded:
		state.Balance.Reserved -= payload.Amount
		state.Balance.Available += payload.Amount
		state.Refunded += payload.Amount
	}
	return state
}

// NewOrganizationBillingAggregate constructs the per-org billing aggregate
// at version zero. The aggregate ID is the org ID.
func NewOrganizationBillingAggregate(orgID string) *eventsourcing.Aggregate[BillingState] {
	return eventsourcing.New(
		orgID,
		AggregateTypeOrganizationBilling,
		orgID,
		BillingState{OrgID: orgID},
		0,
		ApplyCreditEvent,
	)
}
