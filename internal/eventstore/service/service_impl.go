package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/taskledger/internal/clock"
	"github.com/smallbiznis/taskledger/internal/encryption"
	"github.com/smallbiznis/taskledger/internal/eventstore/domain"
	obsmetrics "github.com/smallbiznis/taskledger/internal/observability/metrics"
	"github.com/smallbiznis/taskledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Encryption *encryption.Service
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	encryption *encryption.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("eventstore.service"),
		genID:      p.GenID,
		encryption: p.Encryption,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, input domain.AppendInput) (domain.StoredEvent, error) {
	return s.append(ctx, s.db, input, nil)
}

func (s *Service) AppendWithOutbox(ctx context.Context, input domain.AppendInput, msg domain.OutboxMessage) (domain.StoredEvent, error) {
	var stored domain.StoredEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		stored, txErr = s.append(ctx, tx, input, &msg)
		return txErr
	})
	if err != nil {
		return domain.StoredEvent{}, err
	}
	return stored, nil
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, input domain.AppendInput, msg *domain.OutboxMessage) (domain.StoredEvent, error) {
	if err := validateAppend(input); err != nil {
		return domain.StoredEvent{}, err
	}

	plaintext, err := json.Marshal(input.Payload)
	if err != nil {
		return domain.StoredEvent{}, err
	}

	sealed, err := s.encryption.Encrypt(plaintext, input.OrgID)
	if err != nil {
		return domain.StoredEvent{}, err
	}
	cipher, err := sealed.Encode()
	if err != nil {
		return domain.StoredEvent{}, err
	}

	eventID := uuid.NewString()
	occurredAt := s.clock.Now()

	row := domain.Event{
		ID:            eventID,
		AggregateID:   input.AggregateID,
		AggregateType: input.AggregateType,
		OrgID:         input.OrgID,
		Version:       input.Version,
		EventType:     input.EventType,
		Payload:       cipher,
		CreatedAt:     occurredAt,
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.obsMetrics.RecordAppendConflict(ctx, input.AggregateType)
			s.log.Warn("append lost version race",
				zap.String("aggregate_id", input.AggregateID),
				zap.Int64("version", input.Version),
			)
			return domain.StoredEvent{}, domain.ErrConcurrencyConflict
		}
		return domain.StoredEvent{}, err
	}

	if msg != nil {
		envelope := domain.EventEnvelope{
			EventID:       eventID,
			AggregateID:   input.AggregateID,
			AggregateType: input.AggregateType,
			OrgID:         input.OrgID,
			EventType:     input.EventType,
			Version:       input.Version,
			Payload:       sealed,
			OccurredAt:    occurredAt,
		}
		value, err := json.Marshal(envelope)
		if err != nil {
			return domain.StoredEvent{}, err
		}

		entry := domain.OutboxEntry{
			ID:           s.genID.Generate(),
			Topic:        msg.Topic,
			MessageKey:   input.OrgID,
			MessageValue: string(value),
			OrgID:        input.OrgID,
			EventID:      eventID,
			Headers: datatypes.JSONMap{
				"event-type":   input.EventType,
				"aggregate-id": input.AggregateID,
			},
			CreatedAt: occurredAt,
		}
		if msg.CorrelationID != "" {
			correlationID := msg.CorrelationID
			entry.CorrelationID = &correlationID
		}
		if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
			return domain.StoredEvent{}, err
		}
	}

	s.obsMetrics.RecordAppend(ctx, input.AggregateType)

	return domain.StoredEvent{
		EventID:       eventID,
		AggregateID:   input.AggregateID,
		AggregateType: input.AggregateType,
		OrgID:         input.OrgID,
		EventType:     input.EventType,
		Version:       input.Version,
		Payload:       plaintext,
		OccurredAt:    occurredAt,
	}, nil
}

func (s *Service) LoadByAggregate(ctx context.Context, aggregateID, orgID string) ([]domain.StoredEvent, error) {
	if strings.TrimSpace(aggregateID) == "" {
		return nil, domain.ErrInvalidAggregate
	}
	if strings.TrimSpace(orgID) == "" {
		return nil, domain.ErrOrgContextMissing
	}

	var rows []domain.Event
	if err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND org_id = ?", aggregateID, orgID).
		Order("version ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.decryptRows(rows)
}

func (s *Service) GetByOrg(ctx context.Context, orgID string, opts domain.QueryOptions) ([]domain.StoredEvent, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, domain.ErrOrgContextMissing
	}

	query := s.db.WithContext(ctx).Where("org_id = ?", orgID)
	if opts.AggregateType != "" {
		query = query.Where("aggregate_type = ?", opts.AggregateType)
	}
	query = query.Order("created_at ASC")
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var rows []domain.Event
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.decryptRows(rows)
}

func (s *Service) GetUnpublished(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []domain.OutboxEntry
	if err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) MarkPublished(ctx context.Context, id snowflake.ID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).
		Model(&domain.OutboxEntry{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", &now).Error
}

// decryptRows decrypts each row under its own org ID, supplied by the row,
// never inferred from the caller.
func (s *Service) decryptRows(rows []domain.Event) ([]domain.StoredEvent, error) {
	events := make([]domain.StoredEvent, 0, len(rows))
	for _, row := range rows {
		sealed, err := encryption.DecodePayload(row.Payload)
		if err != nil {
			return nil, err
		}
		plaintext, err := s.encryption.Decrypt(sealed, row.OrgID)
		if err != nil {
			s.log.Error("event payload failed decryption",
				zap.String("event_id", row.ID),
				zap.String("org_id", row.OrgID),
			)
			return nil, err
		}
		events = append(events, domain.StoredEvent{
			EventID:       row.ID,
			AggregateID:   row.AggregateID,
			AggregateType: row.AggregateType,
			OrgID:         row.OrgID,
			EventType:     row.EventType,
			Version:       row.Version,
			Payload:       plaintext,
			OccurredAt:    row.CreatedAt,
		})
	}
	return events, nil
}

func validateAppend(input domain.AppendInput) error {
	if strings.TrimSpace(input.OrgID) == "" {
		return domain.ErrOrgContextMissing
	}
	if strings.TrimSpace(input.AggregateID) == "" || strings.TrimSpace(input.AggregateType) == "" {
		return domain.ErrInvalidAggregate
	}
	if strings.TrimSpace(input.EventType) == "" {
		return domain.ErrInvalidEventType
	}
	if input.Version < 1 {
		return domain.ErrInvalidVersion
	}
	return nil
}
