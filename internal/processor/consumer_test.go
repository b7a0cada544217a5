package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/smallbiznis/taskledger/internal/encryption"
	eventstoredomain "github.com/smallbiznis/taskledger/internal/eventstore/domain"
	"github.com/smallbiznis/taskledger/internal/providers/xskill"
	taskdomain "github.com/smallbiznis/taskledger/internal/task/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTaskService records the lifecycle transitions the consumer drives.
type fakeTaskService struct {
	mu        sync.Mutex
	started   []taskdomain.TaskStartedPayload
	completed []taskdomain.TaskCompletedPayload
	failed    []taskdomain.TaskFailedPayload
	timedOut  []string
}

func (f *fakeTaskService) CreateTask(context.Context, taskdomain.CreateTaskCommand) (taskdomain.CreateTaskResult, error) {
	return taskdomain.CreateTaskResult{}, nil
}

func (f *fakeTaskService) RecordStarted(_ context.Context, _, _ string, payload taskdomain.TaskStartedPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, payload)
	return nil
}

func (f *fakeTaskService) RecordCompleted(_ context.Context, _, _ string, payload taskdomain.TaskCompletedPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, payload)
	return nil
}

func (f *fakeTaskService) RecordFailed(_ context.Context, _, _ string, payload taskdomain.TaskFailedPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, payload)
	return nil
}

func (f *fakeTaskService) RecordTimedOut(_ context.Context, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOut = append(f.timedOut, taskID)
	return nil
}

func (f *fakeTaskService) GetTask(context.Context, string, string) (taskdomain.TaskState, error) {
	return taskdomain.TaskState{}, nil
}

func newTestConsumer(t *testing.T, providerURL string) (*Consumer, *fakeTaskService, *encryption.Service) {
	t.Helper()

	enc, err := encryption.NewService([]byte("test-master-key"))
	require.NoError(t, err)
	tasks := &fakeTaskService{}
	provider := xskill.NewClient(xskill.Config{BaseURL: providerURL, APIKey: "test-key"}, zap.NewNop())

	consumer := NewConsumer(Params{
		Log:        zap.NewNop(),
		Encryption: enc,
		Tasks:      tasks,
		Provider:   provider,
	})
	return consumer, tasks, enc
}

func taskCreatedMessage(t *testing.T, enc *encryption.Service, orgID string) ([]byte, string) {
	t.Helper()

	payload := taskdomain.TaskCreatedPayload{
		TaskID:          uuid.NewString(),
		Prompt:          "summarize the report",
		CreditsRequired: 10,
	}
	plaintext, err := json.Marshal(payload)
	require.NoError(t, err)
	sealed, err := enc.Encrypt(plaintext, orgID)
	require.NoError(t, err)

	envelope := eventstoredomain.EventEnvelope{
		EventID:       uuid.NewString(),
		AggregateID:   payload.TaskID,
		AggregateType: taskdomain.AggregateTypeTask,
		OrgID:         orgID,
		EventType:     taskdomain.EventTaskCreated,
		Version:       1,
		Payload:       sealed,
	}
	value, err := json.Marshal(envelope)
	require.NoError(t, err)
	return value, payload.TaskID
}

func TestHandleDrivesTaskToCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/tasks/create":
			_ = json.NewEncoder(w).Encode(xskill.CreateTaskResponse{TaskID: "ext-1", Status: xskill.StatusPending})
		case "/api/v3/tasks/query":
			_ = json.NewEncoder(w).Encode(xskill.QueryTaskResponse{
				TaskID: "ext-1",
				Status: xskill.StatusCompleted,
				Result: "summary text",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	consumer, tasks, enc := newTestConsumer(t, server.URL)
	value, taskID := taskCreatedMessage(t, enc, "org-1")

	consumer.Handle(context.Background(), value)

	require.Len(t, tasks.started, 1)
	assert.Equal(t, taskID, tasks.started[0].TaskID)
	assert.Equal(t, "ext-1", tasks.started[0].ExternalTaskID)
	require.Len(t, tasks.completed, 1)
	assert.Equal(t, "summary text", tasks.completed[0].Result)
	assert.Empty(t, tasks.failed)
}

func TestHandleRecordsProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/tasks/create":
			_ = json.NewEncoder(w).Encode(xskill.CreateTaskResponse{TaskID: "ext-1", Status: xskill.StatusPending})
		case "/api/v3/tasks/query":
			_ = json.NewEncoder(w).Encode(xskill.QueryTaskResponse{
				TaskID: "ext-1",
				Status: xskill.StatusFailed,
				Error:  "content rejected",
				Code:   "POLICY",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	consumer, tasks, enc := newTestConsumer(t, server.URL)
	value, _ := taskCreatedMessage(t, enc, "org-1")

	consumer.Handle(context.Background(), value)

	require.Len(t, tasks.failed, 1)
	assert.Equal(t, "content rejected", tasks.failed[0].Reason)
	assert.Equal(t, "POLICY", tasks.failed[0].Code)
	assert.Empty(t, tasks.completed)
}

func TestHandleDeduplicatesByEventID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/tasks/create":
			_ = json.NewEncoder(w).Encode(xskill.CreateTaskResponse{TaskID: "ext-1", Status: xskill.StatusPending})
		default:
			_ = json.NewEncoder(w).Encode(xskill.QueryTaskResponse{TaskID: "ext-1", Status: xskill.StatusCompleted})
		}
	}))
	defer server.Close()

	consumer, tasks, enc := newTestConsumer(t, server.URL)
	value, _ := taskCreatedMessage(t, enc, "org-1")

	consumer.Handle(context.Background(), value)
	consumer.Handle(context.Background(), value)

	assert.Len(t, tasks.started, 1)
	assert.Len(t, tasks.completed, 1)
}

func TestHandleIgnoresOtherEventTypes(t *testing.T) {
	consumer, tasks, _ := newTestConsumer(t, "http://unreachable.invalid")

	envelope := eventstoredomain.EventEnvelope{
		EventID:   uuid.NewString(),
		OrgID:     "org-1",
		EventType: taskdomain.EventTaskCompleted,
	}
	value, err := json.Marshal(envelope)
	require.NoError(t, err)

	consumer.Handle(context.Background(), value)

	assert.Empty(t, tasks.started)
	assert.Empty(t, tasks.failed)
}

func TestHandleDropsMalformedMessages(t *testing.T) {
	consumer, tasks, _ := newTestConsumer(t, "http://unreachable.invalid")

	consumer.Handle(context.Background(), []byte("not json"))

	assert.Empty(t, tasks.started)
	assert.Empty(t, tasks.failed)
}

func TestHandleDropsUndecryptableMessages(t *testing.T) {
	consumer, tasks, _ := newTestConsumer(t, "http://unreachable.invalid")

	// Sealed under a different master key: authentication fails.
	otherEnc, err := encryption.NewService([]byte("other-master-key"))
	require.NoError(t, err)
	value, _ := taskCreatedMessage(t, otherEnc, "org-1")

	consumer.Handle(context.Background(), value)

	assert.Empty(t, tasks.started)
	assert.Empty(t, tasks.failed)
}
