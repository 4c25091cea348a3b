package notify

import (
	"bytes"
	"context"
	"devicefleet/internal/dedup"
	"devicefleet/internal/observability"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval = 3 * time.Second
	dumpTimeout     = 15 * time.Second
	dumpCommand     = "dumpsys notification --noredact"
)

// Shell runs a command on an endpoint. adb.Client satisfies it.
type Shell interface {
	Shell(ctx context.Context, serial, cmd string) (string, error)
}

// EventLog keeps a short human-readable trail of delivered events.
type EventLog interface {
	AppendEventLog(ctx context.Context, line string) error
}

// Event is the webhook body.
type Event struct {
	Timestamp string  `json:"timestamp"`
	LocalTime string  `json:"horario"`
	Device    string  `json:"dispositivo"`
	App       string  `json:"app"`
	Title     string  `json:"title"`
	Text      string  `json:"text"`
	Phone     *string `json:"phone"`
}

type Poller struct {
	shell      Shell
	targets    func() map[string]string
	dedup      dedup.Deduper
	events     EventLog
	webhookURL string
	client     *http.Client
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	inflight sync.Map
	wg       sync.WaitGroup
	running  atomic.Bool
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

func WithEventLog(l EventLog) Option {
	return func(p *Poller) { p.events = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) { p.client = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// NewPoller builds a poller. targets returns the alias to endpoint id map to poll on each tick.
func NewPoller(shell Shell, targets func() map[string]string, d dedup.Deduper, webhookURL string, opts ...Option) *Poller {
	p := &Poller{
		shell:      shell,
		targets:    targets,
		dedup:      d,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		interval:   DefaultInterval,
		logger:     observability.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Running() bool {
	return p.running.Load()
}

// Run polls every endpoint in parallel on each tick until ctx is done. A device whose previous
// poll has not returned yet is skipped for that tick.
func (p *Poller) Run(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer p.running.Store(false)

	p.logger.Info("event poller started", "interval", p.interval, "webhook", p.webhookURL)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("event poller stopped")
			return
		case <-ticker.C:
			for alias, id := range p.targets() {
				if id == "" {
					continue
				}
				if _, busy := p.inflight.LoadOrStore(alias, struct{}{}); busy {
					continue
				}
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					defer p.inflight.Delete(alias)
					// device offline or timing out; next tick retries
					_, _ = p.PollDevice(ctx, alias, id)
				}()
			}
		}
	}
}

// PollDevice reads one endpoint's notifications and delivers the new ones. It returns how many
// events were delivered.
func (p *Poller) PollDevice(ctx context.Context, alias, id string) (int, error) {
	dctx, cancel := context.WithTimeout(ctx, dumpTimeout)
	out, err := p.shell.Shell(dctx, id, dumpCommand)
	cancel()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, n := range Parse(out, p.now()) {
		key := dedup.Key(alias, n.Title, n.Message, fmt.Sprint(n.When))
		fresh, err := p.dedup.Accept(ctx, key)
		if err != nil {
			return delivered, fmt.Errorf("dedup: %w", err)
		}
		if !fresh {
			observability.EventsSuppressed.Inc()
			continue
		}

		ev := p.buildEvent(alias, n)
		if err := p.deliver(ctx, ev); err != nil {
			p.logger.Warn("webhook delivery failed", "alias", alias, "title", n.Title, "err", err)
			continue
		}
		delivered++
		observability.EventsDelivered.Inc()
		p.logger.Info("event delivered", "alias", alias, "title", n.Title)

		if p.events != nil {
			line := fmt.Sprintf("🔔 %s <- %s: %s", alias, n.Title, truncate(n.Message, 60))
			if err := p.events.AppendEventLog(ctx, line); err != nil {
				p.logger.Warn("event log append failed", "err", err)
			}
		}
	}
	return delivered, nil
}

func (p *Poller) buildEvent(alias string, n Notification) Event {
	at := time.UnixMilli(n.When)
	ev := Event{
		Timestamp: at.UTC().Format("2006-01-02T15:04:05.000Z"),
		LocalTime: at.Local().Format("02/01/2006 15:04"),
		Device:    alias,
		App:       n.App,
		Title:     n.Title,
		Text:      n.Message,
	}
	phone := ExtractPhone(n.Title)
	if phone == "" {
		phone = ExtractPhone(n.Message)
	}
	if phone != "" {
		ev.Phone = &phone
	}
	return ev
}

func (p *Poller) deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status: %s", resp.Status)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
