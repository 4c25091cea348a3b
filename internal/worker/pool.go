package worker

import (
	"context"
	"devicefleet/internal/directory"
	"devicefleet/internal/driver"
	"devicefleet/internal/observability"
	"devicefleet/internal/tasks"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type State string

const (
	StateIdle          State = "idle"
	StateBusy          State = "busy"
	StateStopRequested State = "stop-requested"
)

// Executor runs one action against an endpoint. driver.Registry satisfies it.
type Executor interface {
	Execute(ctx context.Context, target driver.Target, action string, payload json.RawMessage) (any, error)
}

// Archiver receives every task that reached a terminal state.
type Archiver interface {
	Record(ctx context.Context, task *tasks.Task) error
}

type Config struct {
	PollInterval time.Duration
	RetryBackoff time.Duration
	Cooldown     time.Duration
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 1500 * time.Millisecond,
		RetryBackoff: 2 * time.Second,
		Cooldown:     5 * time.Second,
		MaxAttempts:  3,
	}
}

type Stats struct {
	TotalProcessed int64 `json:"total_processed"`
	TotalSuccess   int64 `json:"total_success"`
	TotalFailed    int64 `json:"total_failed"`
	WorkersStarted int64 `json:"workers_started"`
}

type record struct {
	state         State
	stopRequested bool
	endpoint      directory.Endpoint
}

// ReconcileResult lists the aliases touched by one Reconcile call.
type ReconcileResult struct {
	Started   []string
	Stopped   []string
	Restored  []string
	Unchanged int
}

// Manager owns the worker registry: one loop per endpoint alias.
type Manager struct {
	store   tasks.Store
	exec    Executor
	archive Archiver
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*record
	closed  bool
	wg      sync.WaitGroup

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	started   atomic.Int64
}

type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archive = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(store tasks.Store, exec Executor, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		exec:    exec,
		cfg:     DefaultConfig(),
		logger:  observability.Discard(),
		workers: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxAttempts < 1 {
		m.cfg.MaxAttempts = 1
	}
	return m
}

// Reconcile starts a worker for every endpoint without one and asks workers whose alias
// disappeared to stop at their next loop iteration. It does not wait for them. Calls must not
// overlap.
func (m *Manager) Reconcile(endpoints []directory.Endpoint, initialBoot bool) ReconcileResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReconcileResult
	if m.closed {
		return res
	}

	current := make(map[string]directory.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		if ep.Alias == "" {
			continue
		}
		current[ep.Alias] = ep
	}

	for alias, ep := range current {
		rec, ok := m.workers[alias]
		if !ok {
			m.workers[alias] = &record{state: StateIdle, endpoint: ep}
			m.spawn(alias)
			res.Started = append(res.Started, alias)
			continue
		}
		rec.endpoint = ep
		if rec.stopRequested {
			rec.stopRequested = false
			res.Restored = append(res.Restored, alias)
			continue
		}
		res.Unchanged++
	}

	for alias, rec := range m.workers {
		if _, ok := current[alias]; ok || rec.stopRequested {
			continue
		}
		rec.stopRequested = true
		res.Stopped = append(res.Stopped, alias)
	}

	sort.Strings(res.Started)
	sort.Strings(res.Stopped)
	sort.Strings(res.Restored)

	if initialBoot {
		m.logger.Info("worker pool started", "workers", len(res.Started), "aliases", res.Started)
	} else if len(res.Started)+len(res.Stopped)+len(res.Restored) > 0 {
		m.logger.Info("worker pool reloaded",
			"started", res.Started, "stopping", res.Stopped, "restored", res.Restored)
	}
	return res
}

// spawn must be called with mu held.
func (m *Manager) spawn(alias string) {
	m.wg.Add(1)
	m.started.Add(1)
	observability.WorkersRunning.Inc()
	go m.run(alias)
}

func (m *Manager) Status() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.workers))
	for alias, rec := range m.workers {
		if rec.stopRequested {
			out[alias] = StateStopRequested
			continue
		}
		out[alias] = rec.state
	}
	return out
}

func (m *Manager) Stats() Stats {
	return Stats{
		TotalProcessed: m.processed.Load(),
		TotalSuccess:   m.succeeded.Load(),
		TotalFailed:    m.failed.Load(),
		WorkersStarted: m.started.Load(),
	}
}

// Shutdown asks every worker to stop and waits until in-flight tasks finish or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, rec := range m.workers {
		rec.stopRequested = true
	}
	m.mu.Unlock()

	m.logger.Info("shutting down worker pool")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("worker pool stopped cleanly")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter is the loop-top check. It removes the record and reports false once a stop was requested.
func (m *Manager) enter(alias string) (directory.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.workers[alias]
	if !ok || rec.stopRequested {
		delete(m.workers, alias)
		return directory.Endpoint{}, false
	}
	rec.state = StateIdle
	return rec.endpoint, true
}

func (m *Manager) setState(alias string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.workers[alias]; ok {
		rec.state = s
	}
}
