package domain

import (
	"context"
	"errors"
)

// CreateTaskCommand asks for a new task plus a credit reservation covering
// it. OrgID is always explicit; nothing is read from ambient context.
type CreateTaskCommand struct {
	OrgID           string
	UserID          string
	Prompt          string
	Model           string
	Options         map[string]any
	CreditsRequired int64
	IdempotencyKey  string
	CorrelationID   string
}

// CreateTaskResult is what the caller gets back, and what a duplicate
// idempotent command replays.
type CreateTaskResult struct {
	TaskID string     `json:"taskId"`
	Status TaskStatus `json:"status"`
}

type Service interface {
	// CreateTask runs the task-creation saga: persist TASK_CREATED (with its
	// outbox row), then reserve credits on the billing aggregate. The two
	// appends are separate aggregate writes with no cross-aggregate
	// atomicity: a reservation failure leaves the task created with no
	// credits reserved, surfaced to the caller and left for reconciliation.
	CreateTask(ctx context.Context, cmd CreateTaskCommand) (CreateTaskResult, error)

	// Follow-up transitions appended by the processor after provider calls.
	RecordStarted(ctx context.Context, taskID, orgID string, payload TaskStartedPayload) error
	RecordCompleted(ctx context.Context, taskID, orgID string, payload TaskCompletedPayload) error
	RecordFailed(ctx context.Context, taskID, orgID string, payload TaskFailedPayload) error
	RecordTimedOut(ctx context.Context, taskID, orgID string) error

	// GetTask rehydrates the task's current state from history.
	GetTask(ctx context.Context, taskID, orgID string) (TaskState, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPrompt       = errors.New("invalid_prompt")
	ErrInvalidCredits      = errors.New("invalid_credits")
	ErrTaskNotFound        = errors.New("task_not_found")
)
