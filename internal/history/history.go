package history

import (
	"context"
	"devicefleet/internal/tasks"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	id            TEXT PRIMARY KEY,
	endpoint      TEXT NOT NULL,
	action        TEXT NOT NULL,
	status        TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	payload       JSONB,
	result        JSONB,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_history_endpoint_idx ON task_history (endpoint, finished_at DESC);
`

// DefaultLimit caps List when the caller passes a non-positive limit.
const DefaultLimit = 50

var ErrNotTerminal = errors.New("task is not terminal")

// Entry is one archived task.
type Entry struct {
	ID           string          `json:"id"`
	Endpoint     string          `json:"endpoint"`
	Action       string          `json:"action"`
	Status       tasks.State     `json:"status"`
	RetryCount   int             `json:"retry_count"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// Store archives terminal tasks in Postgres.
type Store struct {
	connectionPool *pgxpool.Pool
}

func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 5
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{connectionPool: pool}, nil
}

// Migrate creates the history table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.connectionPool.Exec(ctx, schema)
	return err
}

func (s *Store) Close() {
	s.connectionPool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.connectionPool.Ping(ctx)
}

// Record upserts a completed or failed task.
func (s *Store) Record(ctx context.Context, task *tasks.Task) error {
	if !task.Terminal() {
		return ErrNotTerminal
	}

	finished := task.UpdatedAt
	switch {
	case task.CompletedAt != nil:
		finished = *task.CompletedAt
	case task.FailedAt != nil:
		finished = *task.FailedAt
	}

	var errMsg *string
	if task.Err != nil {
		errMsg = &task.Err.Message
	}

	_, err := s.connectionPool.Exec(
		ctx,
		`
		INSERT INTO task_history (
			id, endpoint, action, status, retry_count,
			payload, result, error_message, created_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			finished_at = EXCLUDED.finished_at
		`,
		task.ID,
		task.Endpoint,
		task.Action,
		string(task.State),
		task.RetryCount,
		jsonb(task.Payload),
		jsonb(task.Result),
		errMsg,
		task.CreatedAt,
		finished,
	)
	return err
}

// List returns the most recent archived tasks for an endpoint, newest first.
func (s *Store) List(ctx context.Context, endpoint string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.connectionPool.Query(
		ctx,
		`
		SELECT id, endpoint, action, status, retry_count,
		       payload, result, error_message, created_at, finished_at
		FROM task_history
		WHERE endpoint = $1
		ORDER BY finished_at DESC
		LIMIT $2
		`,
		endpoint,
		limit,
	)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e      Entry
			status string
		)
		err := row.Scan(
			&e.ID, &e.Endpoint, &e.Action, &status, &e.RetryCount,
			&e.Payload, &e.Result, &e.ErrorMessage, &e.CreatedAt, &e.FinishedAt,
		)
		e.Status = tasks.State(status)
		return e, err
	})
}

// jsonb maps an empty raw message to SQL NULL.
func jsonb(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
