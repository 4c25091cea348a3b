package fleetsync

import (
	"context"
	"devicefleet/internal/adb"
	"devicefleet/internal/directory"
	"devicefleet/internal/observability"
	"devicefleet/internal/worker"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultInterval = 60 * time.Second
	aliasPrefix     = "cel"
	stateConnected  = "device"
	unknownModel    = "Unknown"
)

type Devices interface {
	Devices(ctx context.Context) ([]adb.Device, error)
	Resolution(ctx context.Context, serial string) adb.Resolution
	Model(ctx context.Context, serial string) (string, error)
}

type Directory interface {
	List(ctx context.Context) ([]directory.Endpoint, error)
	Upsert(ctx context.Context, endpoints ...directory.Endpoint) error
}

type Reconciler interface {
	Reconcile(endpoints []directory.Endpoint, initialBoot bool) worker.ReconcileResult
}

// Result summarises one sync pass.
type Result struct {
	Connected  int
	Discovered []string
	Reconcile  worker.ReconcileResult
}

// Syncer keeps the directory and the worker pool in line with the devices the control channel
// currently sees.
type Syncer struct {
	devices  Devices
	dir      Directory
	pool     Reconciler
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	syncMu sync.Mutex

	mu      sync.RWMutex
	aliases map[string]string
}

type Option func(*Syncer)

func WithInterval(d time.Duration) Option {
	return func(s *Syncer) { s.interval = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

func NewSyncer(devices Devices, dir Directory, pool Reconciler, opts ...Option) *Syncer {
	s := &Syncer{
		devices:  devices,
		dir:      dir,
		pool:     pool,
		interval: DefaultInterval,
		logger:   observability.Discard(),
		now:      time.Now,
		aliases:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs an initial boot sync and then syncs on every tick until ctx is done.
func (s *Syncer) Start(ctx context.Context) {
	log.Println("🔄 Fleet sync started...")
	if _, err := s.Sync(ctx, true); err != nil {
		s.logger.Error("initial fleet sync failed", "err", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx, false); err != nil {
				s.logger.Error("fleet sync failed", "err", err)
			}
		}
	}
}

// Sync lists connected devices, names new ones, upserts them all as online and reconciles the
// worker pool against that set. With nothing connected the directory, the alias cache and the
// pool are left untouched.
func (s *Syncer) Sync(ctx context.Context, initialBoot bool) (Result, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	var res Result
	listed, err := s.devices.Devices(ctx)
	if err != nil {
		return res, fmt.Errorf("list devices: %w", err)
	}

	var connected []adb.Device
	for _, d := range listed {
		if d.State == stateConnected {
			connected = append(connected, d)
		}
	}
	res.Connected = len(connected)
	if len(connected) == 0 {
		s.logger.Warn("no devices connected")
		return res, nil
	}

	known, err := s.dir.List(ctx)
	if err != nil {
		return res, fmt.Errorf("load directory: %w", err)
	}
	byID := make(map[string]directory.Endpoint, len(known))
	highest := 0
	for _, ep := range known {
		byID[ep.ID] = ep
		if n, ok := aliasNumber(ep.Alias); ok && n > highest {
			highest = n
		}
	}

	now := s.now()
	updates := make([]directory.Endpoint, 0, len(connected))
	aliases := make(map[string]string, len(connected))
	for _, d := range connected {
		ep, exists := byID[d.Serial]
		if !exists || ep.Alias == "" {
			highest++
			ep.ID = d.Serial
			ep.Alias = fmt.Sprintf("%s%02d", aliasPrefix, highest)
			res.Discovered = append(res.Discovered, ep.Alias)
			log.Printf("🆕 New device: %s (%s)", ep.Alias, d.Serial)
		}

		if ep.Width == 0 || ep.Height == 0 {
			r := s.devices.Resolution(ctx, d.Serial)
			ep.Width, ep.Height = r.Width, r.Height
		}
		if ep.Model == "" {
			ep.Model = unknownModel
			if model, err := s.devices.Model(ctx, d.Serial); err == nil && strings.TrimSpace(model) != "" {
				ep.Model = strings.TrimSpace(model)
			}
		}

		ep.Status = directory.StatusOnline
		ep.LastSeen = now
		updates = append(updates, ep)
		aliases[ep.Alias] = ep.ID
	}

	if err := s.dir.Upsert(ctx, updates...); err != nil {
		return res, fmt.Errorf("upsert devices: %w", err)
	}
	s.logger.Info("devices synced", "count", len(updates), "discovered", res.Discovered)

	s.mu.Lock()
	s.aliases = aliases
	s.mu.Unlock()

	res.Reconcile = s.pool.Reconcile(updates, initialBoot)
	return res, nil
}

// Aliases returns a snapshot of the alias to endpoint id map from the last successful sync.
func (s *Syncer) Aliases() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.aliases))
	for alias, id := range s.aliases {
		out[alias] = id
	}
	return out
}

// Resolve maps an alias to its endpoint id.
func (s *Syncer) Resolve(alias string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.aliases[alias]
	return id, ok
}

func aliasNumber(alias string) (int, bool) {
	rest, ok := strings.CutPrefix(alias, aliasPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
