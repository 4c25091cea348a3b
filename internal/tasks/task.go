package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// MaxRetries is the requeue ceiling applied by Fail.
const MaxRetries = 3

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrEndpointBusy       = errors.New("endpoint busy")
	ErrQueueEmpty         = errors.New("queue empty")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// TaskError is the error record attached to a failed task.
type TaskError struct {
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

type Task struct {
	ID          string          `json:"id"`
	Endpoint    string          `json:"endpoint"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"status"`
	RetryCount  int             `json:"retry_count"`
	Result      json.RawMessage `json:"result,omitempty"`
	Err         *TaskError      `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

func (t *Task) Terminal() bool {
	return t.State == StateCompleted || t.State == StateFailed
}

// Counters are the per-endpoint completion counters.
type Counters struct {
	Today int64 `json:"today"`
	Total int64 `json:"total"`
}

// Store is the per-endpoint FIFO task store shared by all workers.
type Store interface {
	Enqueue(ctx context.Context, endpoint, action string, payload json.RawMessage) (*Task, error)
	// DequeueNext returns ErrEndpointBusy while a lease is live and ErrQueueEmpty when
	// nothing is waiting. On success the task is processing and leased.
	DequeueNext(ctx context.Context, endpoint string) (*Task, error)
	Complete(ctx context.Context, taskID string, result any) error
	Fail(ctx context.Context, taskID string, taskErr TaskError, requeue bool) (requeued bool, err error)
	IncrementCounters(ctx context.Context, endpoint string) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
}
