package api

import (
	"context"
	"devicefleet/internal/directory"
	"devicefleet/internal/fleetsync"
	"devicefleet/internal/health"
	"devicefleet/internal/history"
	"devicefleet/internal/observability"
	"devicefleet/internal/tasks"
	"devicefleet/internal/worker"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Queue is the task store surface the facade reads and writes.
type Queue interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, endpoint, action string, payload json.RawMessage) (*tasks.Task, error)
	GetTask(ctx context.Context, taskID string) (*tasks.Task, error)
	QueueLength(ctx context.Context, endpoint string) (int64, error)
	CurrentLease(ctx context.Context, endpoint string) (string, error)
	ListPending(ctx context.Context, endpoint string) ([]*tasks.Task, error)
	Clear(ctx context.Context, endpoint string) (int, error)
	Counters(ctx context.Context, endpoint string) (tasks.Counters, error)
	EventLog(ctx context.Context, limit int64) ([]string, error)
}

type Pool interface {
	Status() map[string]worker.State
	Stats() worker.Stats
}

type Directory interface {
	List(ctx context.Context) ([]directory.Endpoint, error)
	ListOnline(ctx context.Context) ([]directory.Endpoint, error)
	Get(ctx context.Context, id string) (*directory.Endpoint, error)
	GetByAlias(ctx context.Context, alias string) (*directory.Endpoint, error)
	SetStatus(ctx context.Context, id string, status directory.Status) error
	SetFocus(ctx context.Context, id string, x, y int) error
}

type History interface {
	List(ctx context.Context, endpoint string, limit int) ([]history.Entry, error)
}

type HealthChecker interface {
	Running() bool
	CheckAll(ctx context.Context, endpoints []directory.Endpoint) []health.Result
	Reconnect(ctx context.Context, ep directory.Endpoint) error
}

// Fleet is the live view of connected devices. fleetsync.Syncer satisfies it.
type Fleet interface {
	Resolve(alias string) (string, bool)
	Sync(ctx context.Context, initialBoot bool) (fleetsync.Result, error)
}

type Server struct {
	queue   Queue
	pool    Pool
	dir     Directory
	history History
	health  HealthChecker
	fleet   Fleet
	logger  *slog.Logger

	waitInterval time.Duration
	waitTimeout  time.Duration

	mux http.Handler
}

type Option func(*Server)

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

func WithHealth(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithFleet resolves aliases against the last device sync and resyncs after a reconnect.
func WithFleet(f Fleet) Option {
	return func(s *Server) { s.fleet = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWait tunes how `?wait=true` submissions poll for the terminal state.
func WithWait(interval, timeout time.Duration) Option {
	return func(s *Server) {
		s.waitInterval = interval
		s.waitTimeout = timeout
	}
}

func NewServer(queue Queue, pool Pool, dir Directory, opts ...Option) *Server {
	server := &Server{
		queue:        queue,
		pool:         pool,
		dir:          dir,
		logger:       observability.Discard(),
		waitInterval: time.Second,
		waitTimeout:  90 * time.Second,
	}
	for _, opt := range opts {
		opt(server)
	}

	server.registerRoutes()

	return server
}

func (s *Server) Handler() http.Handler {
	return s.mux
}
