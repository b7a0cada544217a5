package domain

import (
	"encoding/json"

	"github.com/smallbiznis/taskledger/internal/eventsourcing"
	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
)

const (
	AggregateTypeTask = "TASK"

	TopicTaskEvents = "task.events"
)

// Task event types.
const (
	EventTaskCreated   = "TASK_CREATED"
	EventTaskStarted   = "TASK_STARTED"
	EventTaskCompleted = "TASK_COMPLETED"
	EventTaskFailed    = "TASK_FAILED"
	EventTaskTimedOut  = "TASK_TIMED_OUT"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusCreated   TaskStatus = "CREATED"
	StatusStarted   TaskStatus = "STARTED"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusTimedOut  TaskStatus = "TIMED_OUT"
)

// TaskCreatedPayload opens the aggregate.
type TaskCreatedPayload struct {
	TaskID          string         `json:"taskId"`
	Prompt          string         `json:"prompt"`
	Model           string         `json:"model,omitempty"`
	Options         map[string]any `json:"options,omitempty"`
	CreditsRequired int64          `json:"creditsRequired"`
}

// TaskStartedPayload records the external provider accepting the task.
type TaskStartedPayload struct {
	TaskID         string `json:"taskId"`
	ExternalTaskID string `json:"externalTaskId,omitempty"`
}

// TaskCompletedPayload carries the provider result.
type TaskCompletedPayload struct {
	TaskID    string   `json:"taskId"`
	Result    string   `json:"result"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}

// TaskFailedPayload records a terminal provider failure.
type TaskFailedPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

// TaskTimedOutPayload records the polling bound elapsing. Distinct from
// failure: the provider may still finish the work.
type TaskTimedOutPayload struct {
	TaskID string `json:"taskId"`
}

// TaskState is the task aggregate's folded state.
type TaskState struct {
	TaskID          string
	OrgID           string
	Status          TaskStatus
	Prompt          string
	Model           string
	Options         map[string]any
	CreditsRequired int64
	ExternalTaskID  string
	Result          string
	MediaURLs       []string
	FailureReason   string
	FailureCode     string
}

// ApplyTaskEvent folds one task event into the state.
func ApplyTaskEvent(state TaskState, event eventstoredomain.StoredEvent) TaskState {
	switch event.EventType {
	case EventTaskCreated:
		var payload TaskCreatedPayload
		if json.Unmarshal(event.Payload, &payload) != nil {
			return state
		}
		state.TaskID = payload.TaskID
		state.Status = StatusCreated
		state.Prompt = payload.Prompt
		state.Model = payload.Model
		state.Options = payload.Options
		state.CreditsRequired = payload.CreditsRequired
	case EventTaskStarted:
		var payload TaskStartedPayload
		if json.Unmarshal(event.Payload, &payload) != nil {
			return state
		}
		state.Status = StatusStarted
		state.ExternalTaskID = payload.ExternalTaskID
	case EventTaskCompleted:
		var payload TaskCompletedPayload
		if json.Unmarshal(event.Payload, &payload) != nil {
			return state
		}
		state.Status = StatusCompleted
		state.Result = payload.Result
		state.MediaURLs = payload.MediaURLs
	case EventTaskFailed:
		var payload TaskFailedPayload
		if json.Unmarshal(event.Payload, &payload) != nil {
			return state
		}
		state.Status = StatusFailed
		state.FailureReason = payload.Reason
		state.FailureCode = payload.Code
	case EventTaskTimedOut:
		state.Status = StatusTimedOut
	}
	return state
}

// NewTaskAggregate constructs an empty task aggregate at version zero.
func NewTaskAggregate(taskID, orgID string) *eventsourcing.Aggregate[TaskState] {
	return eventsourcing.New(
		taskID,
		AggregateTypeTask,
		orgID,
		TaskState{TaskID: taskID, OrgID: orgID},
		0,
		ApplyTaskEvent,
	)
}
