// Package outbox drives the transactional-outbox relay: unpublished entries
// are fetched oldest first, published to the broker, and stamped published
// only after the broker accepted them. A crash anywhere in between means the
// entry is retried on the next cycle, so delivery is at-least-once and
// consumers dedupe by event ID.
package outbox

import (
	"context"
	"time"

	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
	obsmetrics "github.com/smallbiznis/taskledger/internal/observability/metrics"
	"github.com/smallbiznis/taskledger/pkg/messaging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config tunes the relay loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

type Params struct {
	fx.In

	Log        *zap.Logger
	EventStore eventstoredomain.Service
	Publisher  messaging.Publisher
	Locker     *Locker             `optional:"true"`
	Config     Config              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Relay struct {
	log        *zap.Logger
	eventStore eventstoredomain.Service
	publisher  messaging.Publisher
	locker     *Locker
	cfg        Config
	obsMetrics *obsmetrics.Metrics
}

func NewRelay(p Params) *Relay {
	return &Relay{
		log:        p.Log.Named("outbox.relay"),
		eventStore: p.EventStore,
		publisher:  p.Publisher,
		locker:     p.Locker,
		cfg:        p.Config.withDefaults(),
		obsMetrics: p.ObsMetrics,
	}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.Error("relay cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce processes one batch. With a locker configured, a cycle that loses
// the leader lock is skipped silently.
func (r *Relay) RunOnce(ctx context.Context) error {
	if r.locker != nil {
		token, acquired, err := r.locker.TryLock(ctx, r.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		defer func() {
			if err := r.locker.Release(ctx, token); err != nil {
				r.log.Warn("failed to release relay lock", zap.Error(err))
			}
		}()
	}

	entries, err := r.eventStore.GetUnpublished(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := r.publish(ctx, entry); err != nil {
			// Entry stays pending and is retried next cycle. Later entries
			// still get their shot: ordering is only guaranteed per
			// aggregate by version, not across the outbox.
			r.obsMetrics.RecordOutboxPublishFailure(ctx, entry.Topic)
			r.log.Warn("publish failed, leaving entry pending",
				zap.Int64("entry_id", int64(entry.ID)),
				zap.String("topic", entry.Topic),
				zap.Error(err),
			)
			continue
		}
		if err := r.eventStore.MarkPublished(ctx, entry.ID); err != nil {
			// The broker already has the message; the unmarked row causes a
			// duplicate publish next cycle, which consumers dedupe.
			r.log.Warn("published but not marked, duplicate expected",
				zap.Int64("entry_id", int64(entry.ID)),
				zap.Error(err),
			)
			continue
		}
		r.obsMetrics.RecordOutboxPublished(ctx, entry.Topic)
	}
	return nil
}

func (r *Relay) publish(ctx context.Context, entry eventstoredomain.OutboxEntry) error {
	headers := make(map[string]string, len(entry.Headers)+2)
	for k, v := range entry.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	headers["event-id"] = entry.EventID
	if entry.CorrelationID != nil {
		headers["x-correlation-id"] = *entry.CorrelationID
	}
	return r.publisher.Publish(ctx, entry.Topic, entry.MessageKey, []byte(entry.MessageValue), headers)
}
