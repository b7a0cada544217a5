package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	billingdomain "github.com/smallbiznis/taskledger/internal/billing/domain"
	"github.com/smallbiznis/taskledger/internal/eventsourcing"
	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
	"github.com/smallbiznis/taskledger/internal/task/domain"
	"github.com/smallbiznis/taskledger/pkg/cache"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// idempotencyTTL bounds how long a duplicate command replays its prior
// result. The cache is process-local: a single-instance optimization, not a
// correctness guarantee across restarts or replicas.
const idempotencyTTL = 24 * time.Hour

type Params struct {
	fx.In

	Log        *zap.Logger
	EventStore eventstoredomain.Service
	BillingSvc billingdomain.Service
}

type Service struct {
	log         *zap.Logger
	eventStore  eventstoredomain.Service
	billingSvc  billingdomain.Service
	idempotency cache.Cache[string, domain.CreateTaskResult]
}

func NewService(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("task.service"),
		eventStore:  p.EventStore,
		billingSvc:  p.BillingSvc,
		idempotency: cache.NewTTLCache[string, domain.CreateTaskResult](),
	}
}

func (s *Service) CreateTask(ctx context.Context, cmd domain.CreateTaskCommand) (domain.CreateTaskResult, error) {
	if key := strings.TrimSpace(cmd.IdempotencyKey); key != "" {
		if prior, ok := s.idempotency.Get(key); ok {
			return prior, nil
		}
	}

	if err := validateCreate(cmd); err != nil {
		return domain.CreateTaskResult{}, err
	}

	taskID := uuid.NewString()
	agg := domain.NewTaskAggregate(taskID, cmd.OrgID)
	if err := agg.Raise(domain.EventTaskCreated, domain.TaskCreatedPayload{
		TaskID:          taskID,
		Prompt:          cmd.Prompt,
		Model:           cmd.Model,
		Options:         cmd.Options,
		CreditsRequired: cmd.CreditsRequired,
	}); err != nil {
		return domain.CreateTaskResult{}, err
	}

	if err := s.appendUncommitted(ctx, agg, cmd.CorrelationID); err != nil {
		return domain.CreateTaskResult{}, err
	}

	// Second aggregate write of the saga. There is no cross-aggregate
	// transaction: when the reservation is rejected the TASK_CREATED event
	// above stays persisted and published, and the caller sees the error.
	// A reconciliation sweep has to settle such tasks.
	if err := s.billingSvc.ReserveCredits(ctx, cmd.OrgID, cmd.CreditsRequired, taskID); err != nil {
		s.log.Warn("task created without reserved credits",
			zap.String("task_id", taskID),
			zap.String("org_id", cmd.OrgID),
			zap.Error(err),
		)
		return domain.CreateTaskResult{}, err
	}

	result := domain.CreateTaskResult{TaskID: taskID, Status: domain.StatusCreated}
	if key := strings.TrimSpace(cmd.IdempotencyKey); key != "" {
		s.idempotency.Set(key, result, idempotencyTTL)
	}
	return result, nil
}

func (s *Service) RecordStarted(ctx context.Context, taskID, orgID string, payload domain.TaskStartedPayload) error {
	return s.recordTransition(ctx, taskID, orgID, domain.EventTaskStarted, payload)
}

func (s *Service) RecordCompleted(ctx context.Context, taskID, orgID string, payload domain.TaskCompletedPayload) error {
	return s.recordTransition(ctx, taskID, orgID, domain.EventTaskCompleted, payload)
}

func (s *Service) RecordFailed(ctx context.Context, taskID, orgID string, payload domain.TaskFailedPayload) error {
	return s.recordTransition(ctx, taskID, orgID, domain.EventTaskFailed, payload)
}

func (s *Service) RecordTimedOut(ctx context.Context, taskID, orgID string) error {
	return s.recordTransition(ctx, taskID, orgID, domain.EventTaskTimedOut, domain.TaskTimedOutPayload{TaskID: taskID})
}

func (s *Service) GetTask(ctx context.Context, taskID, orgID string) (domain.TaskState, error) {
	agg, err := s.loadAggregate(ctx, taskID, orgID)
	if err != nil {
		return domain.TaskState{}, err
	}
	return agg.State(), nil
}

func (s *Service) recordTransition(ctx context.Context, taskID, orgID, eventType string, payload any) error {
	agg, err := s.loadAggregate(ctx, taskID, orgID)
	if err != nil {
		return err
	}
	if err := agg.Raise(eventType, payload); err != nil {
		return err
	}
	return s.appendUncommitted(ctx, agg, "")
}

func (s *Service) loadAggregate(ctx context.Context, taskID, orgID string) (*eventsourcing.Aggregate[domain.TaskState], error) {
	history, err := s.eventStore.LoadByAggregate(ctx, taskID, orgID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, domain.ErrTaskNotFound
	}

	agg := domain.NewTaskAggregate(taskID, orgID)
	agg.LoadFromHistory(history)
	return agg, nil
}

func (s *Service) appendUncommitted(ctx context.Context, agg *eventsourcing.Aggregate[domain.TaskState], correlationID string) error {
	for _, event := range agg.UncommittedEvents() {
		_, err := s.eventStore.AppendWithOutbox(ctx, eventstoredomain.AppendInput{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			OrgID:         event.OrgID,
			EventType:     event.EventType,
			Version:       event.Version,
			Payload:       event.Payload,
		}, eventstoredomain.OutboxMessage{
			Topic:         domain.TopicTaskEvents,
			CorrelationID: correlationID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func validateCreate(cmd domain.CreateTaskCommand) error {
	if strings.TrimSpace(cmd.OrgID) == "" {
		return domain.ErrInvalidOrganization
	}
	if strings.TrimSpace(cmd.Prompt) == "" {
		return domain.ErrInvalidPrompt
	}
	if cmd.CreditsRequired <= 0 {
		return domain.ErrInvalidCredits
	}
	return nil
}
