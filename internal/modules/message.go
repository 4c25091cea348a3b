package modules

import (
	"context"
	"devicefleet/internal/adb"
	"devicefleet/internal/driver"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	chatPackage = "com.whatsapp.w4b"

	// Message field position on the base resolution when the endpoint has none configured.
	defaultFocusX = 1345
	defaultFocusY = 1006
)

var resetTaps = [][2]int{{655, 1299}, {332, 730}}

// uiStep is one command followed by the pause the UI needs to settle.
type uiStep struct {
	run   func() error
	after time.Duration
}

type MessagePayload struct {
	Phone   string `json:"phone"`
	Number  string `json:"number"`
	Message string `json:"message"`
	Text    string `json:"text"`
}

// MessageModule opens a chat, types the message like a person would and sends it.
type MessageModule struct {
	dev   Device
	pause func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
}

type MessageOption func(*MessageModule)

// WithPause replaces the wait between UI steps.
func WithPause(pause func(ctx context.Context, d time.Duration) error) MessageOption {
	return func(m *MessageModule) { m.pause = pause }
}

func WithRand(r *rand.Rand) MessageOption {
	return func(m *MessageModule) { m.rnd = r }
}

func WithNow(now func() time.Time) MessageOption {
	return func(m *MessageModule) { m.now = now }
}

func NewMessageModule(dev Device, opts ...MessageOption) *MessageModule {
	m := &MessageModule{
		dev:   dev,
		pause: sleepCtx,
		now:   time.Now,
		rnd:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MessageModule) Actions() map[string]driver.Handler {
	return map[string]driver.Handler{
		"send_text":    m.Handle,
		"send_message": m.Handle,
	}
}

func (m *MessageModule) Handle(ctx context.Context, target driver.Target, payload json.RawMessage) (any, error) {
	var p MessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %v", err)
	}

	phone := digitsOnly(firstNonEmpty(p.Phone, p.Number))
	text := firstNonEmpty(p.Message, p.Text)
	if phone == "" || text == "" {
		return nil, fmt.Errorf("invalid payload: phone and message are required")
	}

	serial := target.EndpointID
	res := adb.Resolution{Width: target.Width, Height: target.Height}
	if res.Width <= 0 || res.Height <= 0 {
		res = m.dev.Resolution(ctx, serial)
	}

	fx, fy := target.FocusX, target.FocusY
	if fx == 0 && fy == 0 {
		fx, fy = defaultFocusX, defaultFocusY
	}
	tx, ty := m.dev.Scale(res, fx, fy)

	log.Printf("💬 [%s] Sending message to %s...", target.Alias, phone)

	steps := []uiStep{
		{func() error {
			_, err := m.dev.Shell(ctx, serial, fmt.Sprintf(
				`am start -a android.intent.action.VIEW -d "https://api.whatsapp.com/send?phone=%s" %s`, phone, chatPackage))
			return err
		}, 3 * time.Second},
		{func() error { return m.dev.Tap(ctx, serial, tx, ty) }, 300 * time.Millisecond},
		{func() error { return m.dev.Tap(ctx, serial, tx, ty) }, time.Second},
		{func() error {
			_, err := m.dev.Shell(ctx, serial, m.typingScript(text))
			return err
		}, 600 * time.Millisecond},
		{func() error { return m.dev.KeyEvent(ctx, serial, KeyEnter) }, time.Second},
		{func() error { return m.dev.KeyEvent(ctx, serial, KeyBack) }, 500 * time.Millisecond},
		{func() error { return m.dev.KeyEvent(ctx, serial, KeyBack) }, time.Second},
	}
	for _, pt := range resetTaps {
		x, y := m.dev.Scale(res, pt[0], pt[1])
		steps = append(steps, uiStep{func() error { return m.dev.Tap(ctx, serial, x, y) }, time.Second})
	}

	for i, step := range steps {
		if err := step.run(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if i == len(steps)-1 {
			break
		}
		if err := m.pause(ctx, step.after); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"sent":      true,
		"phone":     phone,
		"timestamp": m.now().UTC().Format(time.RFC3339),
	}, nil
}

// typingScript builds one shell line that types text with per-key delays, word pauses and the
// occasional corrected typo. Delays follow a speed profile by hour of day.
func (m *MessageModule) typingScript(text string) string {
	m.rndMu.Lock()
	defer m.rndMu.Unlock()

	lo, hi := typingDelay(m.now().Hour())
	var cmds []string
	for _, c := range asciiFold(text) {
		if c == ' ' {
			cmds = append(cmds, fmt.Sprintf("input keyevent %d", KeySpace))
			cmds = append(cmds, fmt.Sprintf("sleep %.3f", 0.25+m.rnd.Float64()*0.35))
			continue
		}
		if m.rnd.Float64() < 0.06 {
			cmds = append(cmds, "input text x", "sleep 0.1", fmt.Sprintf("input keyevent %d", KeyBackspace), "sleep 0.15")
		}
		cmds = append(cmds, "input text "+escapeChar(c))
		cmds = append(cmds, fmt.Sprintf("sleep %.3f", lo+m.rnd.Float64()*(hi-lo)))
	}
	return strings.Join(cmds, ";")
}

func typingDelay(hour int) (float64, float64) {
	switch {
	case hour >= 6 && hour <= 9:
		return 0.08, 0.25
	case hour >= 10 && hour <= 14:
		return 0.06, 0.18
	case hour >= 15 && hour <= 17:
		return 0.12, 0.35
	case hour >= 18 && hour <= 22:
		return 0.06, 0.18
	default:
		return 0.18, 0.45
	}
}

func escapeChar(c rune) string {
	switch c {
	case '(', ')', '<', '>', '|', ';', '&', '*', '\'', '"', '?', '\\', '$', '`':
		return `\` + string(c)
	}
	return string(c)
}

// asciiFold strips diacritics and drops what the input command cannot type.
func asciiFold(s string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range folded {
		if r == '\n' || r == '\t' {
			r = ' '
		}
		if r < 0x20 || r > 0x7e {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
