package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/smallbiznis/taskledger/internal/billing/domain"
	"github.com/smallbiznis/taskledger/internal/eventsourcing"
	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
	obsmetrics "github.com/smallbiznis/taskledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	EventStore eventstoredomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	eventStore eventstoredomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("billing.service"),
		eventStore: p.EventStore,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AllocateCredits(ctx context.Context, orgID string, amount int64) error {
	agg, err := s.loadAggregate(ctx, orgID, amount)
	if err != nil {
		return err
	}

	if err := agg.Raise(string(domain.EntryTypeAllocated), domain.CreditEventPayload{
		OrgID:  orgID,
		Amount: amount,
	}); err != nil {
		return err
	}
	return s.appendUncommitted(ctx, agg)
}

func (s *Service) ReserveCredits(ctx context.Context, orgID string, amount int64, taskID string) error {
	agg, err := s.loadAggregate(ctx, orgID, amount)
	if err != nil {
		return err
	}

	state := agg.State()
	if state.Balance.Available < 0 || state.Balance.Reserved < 0 {
		s.log.Error("ledger folded negative",
			zap.String("org_id", orgID),
			zap.Int64("available", state.Balance.Available),
			zap.Int64("reserved", state.Balance.Reserved),
		)
		return domain.ErrLedgerCorrupted
	}
	if !state.CanReserve(amount) {
		s.obsMetrics.RecordReservationFailure(ctx, orgID)
		s.log.Warn("reservation rejected",
			zap.String("org_id", orgID),
			zap.Int64("requested", amount),
			zap.Int64("available", state.Balance.Available),
		)
		return domain.ErrInsufficientCredits
	}

	if err := agg.Raise(string(domain.EntryTypeReserved), domain.CreditEventPayload{
		OrgID:  orgID,
		Amount: amount,
		TaskID: taskID,
	}); err != nil {
		return err
	}
	return s.appendUncommitted(ctx, agg)
}

func (s *Service) ConsumeCredits(ctx context.Context, orgID string, amount int64, taskID string) error {
	agg, err := s.loadAggregate(ctx, orgID, amount)
	if err != nil {
		return err
	}

	if err := agg.Raise(string(domain.EntryTypeConsumed), domain.CreditEventPayload{
		OrgID:  orgID,
		Amount: amount,
		TaskID: taskID,
	}); err != nil {
		return err
	}
	return s.appendUncommitted(ctx, agg)
}

func (s *Service) RefundCredits(ctx context.Context, orgID string, amount int64, taskID string) error {
	agg, err := s.loadAggregate(ctx, orgID, amount)
	if err != nil {
		return err
	}

	if err := agg.Raise(string(domain.EntryTypeRefunded), domain.CreditEventPayload{
		OrgID:  orgID,
		Amount: amount,
		TaskID: taskID,
	}); err != nil {
		return err
	}
	return s.appendUncommitted(ctx, agg)
}

func (s *Service) GetBalance(ctx context.Context, orgID string) (domain.Balance, error) {
	entries, err := s.GetEntries(ctx, orgID, 0)
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.CalculateBalance(entries), nil
}

func (s *Service) GetEntries(ctx context.Context, orgID string, limit int) ([]domain.LedgerEntry, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, domain.ErrInvalidOrganization
	}

	events, err := s.eventStore.GetByOrg(ctx, orgID, eventstoredomain.QueryOptions{
		AggregateType: domain.AggregateTypeOrganizationBilling,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LedgerEntry, 0, len(events))
	for _, event := range events {
		var payload domain.CreditEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, err
		}
		entries = append(entries, domain.LedgerEntry{
			ID:        event.EventID,
			OrgID:     event.OrgID,
			Type:      domain.LedgerEntryType(event.EventType),
			Amount:    payload.Amount,
			TaskID:    payload.TaskID,
			CreatedAt: event.OccurredAt,
		})
	}
	return entries, nil
}

// loadAggregate rehydrates the org's billing aggregate by replaying its
// history in version order.
func (s *Service) loadAggregate(ctx context.Context, orgID string, amount int64) (*eventsourcing.Aggregate[domain.BillingState], error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, domain.ErrInvalidOrganization
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	history, err := s.eventStore.LoadByAggregate(ctx, orgID, orgID)
	if err != nil {
		return nil, err
	}

	agg := domain.NewOrganizationBillingAggregate(orgID)
	agg.LoadFromHistory(history)
	return agg, nil
}

func (s *Service) appendUncommitted(ctx context.Context, agg *eventsourcing.Aggregate[domain.BillingState]) error {
	for _, event := range agg.UncommittedEvents() {
		var payload json.RawMessage = event.Payload
		_, err := s.eventStore.AppendWithOutbox(ctx, eventstoredomain.AppendInput{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			OrgID:         event.OrgID,
			EventType:     event.EventType,
			Version:       event.Version,
			Payload:       payload,
		}, eventstoredomain.OutboxMessage{
			Topic: domain.TopicBillingEvents,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
