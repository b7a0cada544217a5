// Package processor consumes task events off the broker and drives the
// external provider: submit the task, poll to a terminal status, append the
// matching lifecycle event. Delivery is at-least-once; processed event IDs
// are cached so redelivered messages are dropped.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/smallbiznis/taskledger/internal/encryption"
	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
	obsmetrics "github.com/smallbiznis/taskledger/internal/observability/metrics"
	"github.com/smallbiznis/taskledger/internal/providers/xskill"
	taskdomain "github.com/smallbiznis/taskledger/internal/task/domain"
	"github.com/smallbiznis/taskledger/pkg/cache"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// dedupeTTL bounds how long a processed event ID is remembered. Redeliveries
// arrive within seconds; a day is generous.
const dedupeTTL = 24 * time.Hour

type Params struct {
	fx.In

	Log        *zap.Logger
	Encryption *encryption.Service
	Tasks      taskdomain.Service
	Provider   *xskill.Client
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Consumer handles TASK_CREATED envelopes from the task events subject.
type Consumer struct {
	log        *zap.Logger
	encryption *encryption.Service
	tasks      taskdomain.Service
	provider   *xskill.Client
	processed  cache.Cache[string, struct{}]
	obsMetrics *obsmetrics.Metrics
}

func NewConsumer(p Params) *Consumer {
	return &Consumer{
		log:        p.Log.Named("processor.consumer"),
		encryption: p.Encryption,
		tasks:      p.Tasks,
		provider:   p.Provider,
		processed:  cache.NewTTLCache[string, struct{}](),
		obsMetrics: p.ObsMetrics,
	}
}

// Handle processes one broker message. It never panics and never returns an
// error to the broker: a malformed or undecryptable message is logged and
// dropped, a provider failure becomes a TASK_FAILED event.
func (c *Consumer) Handle(ctx context.Context, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic while handling message", zap.Any("panic", r))
		}
	}()

	var envelope eventstoredomain.EventEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		c.log.Warn("dropping malformed message", zap.Error(err))
		return
	}
	if envelope.EventType != taskdomain.EventTaskCreated {
		return
	}
	if _, seen := c.processed.Get(envelope.EventID); seen {
		c.log.Debug("skipping already-processed event", zap.String("event_id", envelope.EventID))
		return
	}

	plaintext, err := c.encryption.Decrypt(envelope.Payload, envelope.OrgID)
	if err != nil {
		c.log.Error("dropping undecryptable message",
			zap.String("event_id", envelope.EventID),
			zap.String("org_id", envelope.OrgID),
			zap.Error(err),
		)
		return
	}

	var created taskdomain.TaskCreatedPayload
	if err := json.Unmarshal(plaintext, &created); err != nil {
		c.log.Error("dropping message with invalid payload",
			zap.String("event_id", envelope.EventID),
			zap.Error(err),
		)
		return
	}

	c.processTask(ctx, envelope.OrgID, created)
	c.processed.Set(envelope.EventID, struct{}{}, dedupeTTL)
}

func (c *Consumer) processTask(ctx context.Context, orgID string, created taskdomain.TaskCreatedPayload) {
	log := c.log.With(zap.String("task_id", created.TaskID), zap.String("org_id", orgID))

	resp, err := c.provider.CreateTask(ctx, xskill.CreateTaskRequest{
		Prompt:  created.Prompt,
		Model:   created.Model,
		Options: created.Options,
	})
	c.obsMetrics.RecordProviderCall(ctx, "create", callOutcome(err))
	if err != nil {
		log.Error("provider rejected task", zap.Error(err))
		c.recordFailure(ctx, orgID, created.TaskID, "provider create failed: "+err.Error(), failureCode(err))
		return
	}

	if err := c.tasks.RecordStarted(ctx, created.TaskID, orgID, taskdomain.TaskStartedPayload{
		TaskID:         created.TaskID,
		ExternalTaskID: resp.TaskID,
	}); err != nil {
		log.Error("failed to record task start", zap.Error(err))
		return
	}

	result, err := c.provider.PollUntilDone(ctx, resp.TaskID)
	c.obsMetrics.RecordProviderCall(ctx, "poll", callOutcome(err))
	if errors.Is(err, xskill.ErrTaskTimedOut) {
		log.Warn("provider task timed out", zap.String("external_task_id", resp.TaskID))
		if err := c.tasks.RecordTimedOut(ctx, created.TaskID, orgID); err != nil {
			log.Error("failed to record timeout", zap.Error(err))
		}
		return
	}
	if err != nil {
		log.Error("polling failed", zap.Error(err))
		c.recordFailure(ctx, orgID, created.TaskID, "provider query failed: "+err.Error(), failureCode(err))
		return
	}

	if result.Status == xskill.StatusFailed {
		c.recordFailure(ctx, orgID, created.TaskID, result.Error, result.Code)
		return
	}

	if err := c.tasks.RecordCompleted(ctx, created.TaskID, orgID, taskdomain.TaskCompletedPayload{
		TaskID:    created.TaskID,
		Result:    result.Result,
		MediaURLs: result.MediaURLs,
	}); err != nil {
		log.Error("failed to record completion", zap.Error(err))
	}
}

func (c *Consumer) recordFailure(ctx context.Context, orgID, taskID, reason, code string) {
	if err := c.tasks.RecordFailed(ctx, taskID, orgID, taskdomain.TaskFailedPayload{
		TaskID: taskID,
		Reason: reason,
		Code:   code,
	}); err != nil {
		c.log.Error("failed to record task failure",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

func callOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func failureCode(err error) string {
	if errors.Is(err, xskill.ErrCircuitOpen) {
		return "CIRCUIT_OPEN"
	}
	return "PROVIDER_ERROR"
}
