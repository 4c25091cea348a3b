package health

import (
	"context"
	"devicefleet/internal/directory"
	"devicefleet/internal/observability"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrLivenessTimeout    = errors.New("liveness probe timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Directory is the part of the endpoint directory the monitor reads and writes.
type Directory interface {
	ListOnline(ctx context.Context) ([]directory.Endpoint, error)
	SetStatus(ctx context.Context, id string, status directory.Status) error
}

// Prober talks to the control channel. adb.Client satisfies it.
type Prober interface {
	Ping(ctx context.Context, endpointID string) error
	Connect(ctx context.Context, endpointID string) error
}

type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	SettleDelay  time.Duration
	BackoffStep  time.Duration
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		SettleDelay:  time.Second,
		BackoffStep:  2 * time.Second,
		MaxAttempts:  3,
	}
}

type Result struct {
	EndpointID string
	Alias      string
	Healthy    bool
	Err        error
}

type Monitor struct {
	dir    Directory
	prober Prober
	cfg    Config
	logger *slog.Logger
	sleep  func(time.Duration)

	mu      sync.Mutex
	running atomic.Bool
	stopCh  chan struct{}
}

type Option func(*Monitor)

func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithSleep replaces the delay used between reconnect steps.
func WithSleep(sleep func(time.Duration)) Option {
	return func(m *Monitor) { m.sleep = sleep }
}

func NewMonitor(dir Directory, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		dir:    dir,
		prober: prober,
		cfg:    DefaultConfig(),
		logger: observability.Discard(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Stop ends the current Run. It is a no-op when the monitor is not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running.CompareAndSwap(true, false) {
		close(m.stopCh)
	}
}

// Run blocks until Stop is called or ctx is done. A stopped monitor can be run again.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if !m.running.CompareAndSwap(false, true) {
		m.mu.Unlock()
		m.logger.Warn("health monitor already running")
		return
	}
	stop := make(chan struct{})
	m.stopCh = stop
	m.mu.Unlock()

	m.logger.Info("health monitor started", "interval", m.cfg.Interval)

	for ctx.Err() == nil {
		m.cycle(ctx)
		if !m.wait(ctx, stop, m.cfg.Interval) {
			break
		}
	}

	m.mu.Lock()
	if m.stopCh == stop {
		m.running.Store(false)
	}
	m.mu.Unlock()
	m.logger.Info("health monitor stopped")
}

// wait reports whether the loop should go on.
func (m *Monitor) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

// cycle runs one probe pass and reconnects every endpoint that failed it.
func (m *Monitor) cycle(ctx context.Context) {
	endpoints, err := m.dir.ListOnline(ctx)
	if err != nil {
		m.logger.Error("health check: list online endpoints", "err", err)
		return
	}
	if len(endpoints) == 0 {
		return
	}

	m.logger.Info("health check started", "endpoints", len(endpoints))
	results := m.CheckAll(ctx, endpoints)

	healthy := 0
	for i, r := range results {
		if r.Healthy {
			healthy++
			continue
		}
		m.logger.Warn("endpoint not responding", "endpoint_id", r.EndpointID, "alias", r.Alias, "err", r.Err)

		// one reconnect at a time
		if err := m.Reconnect(ctx, endpoints[i]); err != nil {
			m.logger.Error("endpoint offline", "endpoint_id", r.EndpointID, "alias", r.Alias, "err", err)
		}
	}
	m.logger.Info("health check complete", "healthy", healthy, "total", len(endpoints))
}

// CheckAll probes every endpoint concurrently. Results keep the input order.
func (m *Monitor) CheckAll(ctx context.Context, endpoints []directory.Endpoint) []Result {
	results := make([]Result, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = m.CheckHealth(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CheckHealth issues a liveness command bounded by the probe timeout.
func (m *Monitor) CheckHealth(ctx context.Context, ep directory.Endpoint) Result {
	res := Result{EndpointID: ep.ID, Alias: ep.Alias}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- m.prober.Ping(pctx, ep.ID) }()

	var err error
	select {
	case err = <-errc:
	case <-pctx.Done():
		err = pctx.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrLivenessTimeout, m.cfg.ProbeTimeout)
	}
	if err != nil {
		observability.HealthProbes.WithLabelValues("unhealthy").Inc()
		res.Err = err
		return res
	}

	observability.HealthProbes.WithLabelValues("healthy").Inc()
	res.Healthy = true
	return res
}

// Reconnect tries to bring an endpoint back: connect, settle, re-probe. Attempt n that does not
// end healthy is followed by an n*BackoffStep pause. That includes the last attempt and an
// attempt whose connect succeeded but whose re-probe failed, so an exhausted endpoint sleeps
// 2s, 4s and 6s before it is marked offline. On success the endpoint is marked online.
func (m *Monitor) Reconnect(ctx context.Context, ep directory.Endpoint) error {
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.logger.Info("reconnecting endpoint", "endpoint_id", ep.ID, "alias", ep.Alias,
			"attempt", attempt, "max_attempts", m.cfg.MaxAttempts)

		if err := m.prober.Connect(ctx, ep.ID); err != nil {
			m.logger.Warn("reconnect attempt failed", "endpoint_id", ep.ID, "attempt", attempt, "err", err)
		} else {
			m.sleep(m.cfg.SettleDelay)
			if r := m.CheckHealth(ctx, ep); r.Healthy {
				observability.Reconnects.WithLabelValues("success").Inc()
				m.logger.Info("endpoint reconnected", "endpoint_id", ep.ID, "alias", ep.Alias, "attempt", attempt)
				if err := m.dir.SetStatus(ctx, ep.ID, directory.StatusOnline); err != nil {
					return fmt.Errorf("mark %s online: %w", ep.ID, err)
				}
				return nil
			}
		}

		m.sleep(time.Duration(attempt) * m.cfg.BackoffStep)
	}

	observability.Reconnects.WithLabelValues("exhausted").Inc()
	if err := m.dir.SetStatus(ctx, ep.ID, directory.StatusOffline); err != nil {
		return fmt.Errorf("mark %s offline: %w", ep.ID, err)
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrReconnectExhausted, ep.ID, m.cfg.MaxAttempts)
}
